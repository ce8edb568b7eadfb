// Package radio holds the long-range (LoRa) and short-range (BLE) transport
// hooks. Neither carries traffic yet: each starts, announces itself and
// idles until its context ends.
package radio

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("meshclaw/radio")

const idleInterval = 60 * time.Second

// StartLoRa runs the long-range placeholder until ctx is done.
func StartLoRa(ctx context.Context) {
	log.Infof("lora: long-range transport initialised (915MHz/868MHz), no radio attached")
	idle(ctx)
}

// StartBLE runs the short-range placeholder until ctx is done.
func StartBLE(ctx context.Context) {
	log.Infof("ble: bluetooth low energy transport initialised, no adapter attached")
	idle(ctx)
}

// SendEmergencyBroadcast would push a small payload over LoRa. It only logs.
func SendEmergencyBroadcast(payload string) {
	log.Infof("lora: emergency broadcast of %d bytes: %s", len(payload), payload)
}

func idle(ctx context.Context) {
	t := time.NewTicker(idleInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
