package radio_test

import (
	"context"
	"testing"
	"time"

	"github.com/olserra/meshclaw/radio"
)

func TestPlaceholdersStopWithContext(t *testing.T) {
	for name, start := range map[string]func(context.Context){
		"lora": radio.StartLoRa,
		"ble":  radio.StartBLE,
	} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			start(ctx)
			close(done)
		}()

		select {
		case <-done:
			t.Fatalf("%s returned before cancellation", name)
		case <-time.After(20 * time.Millisecond):
		}
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("%s did not stop", name)
		}
	}
	radio.SendEmergencyBroadcast("SOS")
}
