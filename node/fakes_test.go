package node_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/olserra/meshclaw/core"
	"github.com/olserra/meshclaw/memory"
	"github.com/olserra/meshclaw/p2p"
)

const (
	selfID  = "12D3KooWSelf"
	otherID = "12D3KooWOther"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*core.ProtocolMessage
}

func (f *fakePublisher) PublishMessage(_ context.Context, msg *core.ProtocolMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakePublisher) sent() []*core.ProtocolMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*core.ProtocolMessage(nil), f.msgs...)
}

func (f *fakePublisher) ofType(t core.MessageType) []*core.ProtocolMessage {
	var out []*core.ProtocolMessage
	for _, m := range f.sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeDirectory struct {
	mu         sync.Mutex
	next       p2p.QueryID
	keys       []string
	registered []string
}

func (f *fakeDirectory) Resolve(_ context.Context, key string) p2p.QueryID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.keys = append(f.keys, key)
	return f.next
}

func (f *fakeDirectory) Register(_ context.Context, capability string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, capability)
	return nil
}

func (f *fakeDirectory) resolved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func (f *fakeDirectory) capabilities() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.registered...)
}

type fakeProvider struct {
	reply string
	err   error
}

func (f fakeProvider) Generate(_ context.Context, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.reply + prompt, nil
}

type fakeNotifier struct {
	ch chan any
}

func newNotifier() *fakeNotifier { return &fakeNotifier{ch: make(chan any, 64)} }

func (f *fakeNotifier) Publish(v any) {
	select {
	case f.ch <- v:
	default:
	}
}

// next waits for the first pushed value of type T, skipping others.
func next[T any](t *testing.T, f *fakeNotifier) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-f.ch:
			if out, ok := v.(T); ok {
				return out
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T pushed", zero)
			return zero
		}
	}
}

// quiet asserts nothing of type T is pushed within d.
func quiet[T any](t *testing.T, f *fakeNotifier, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case v := <-f.ch:
			if _, ok := v.(T); ok {
				t.Fatalf("unexpected push %#v", v)
			}
		case <-deadline:
			return
		}
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	added  []peer.AddrInfo
	dialed []peer.AddrInfo
}

func (f *fakeDialer) AddPeer(info peer.AddrInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, info)
}

func (f *fakeDialer) Dial(info peer.AddrInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, info)
}

func (f *fakeDialer) dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dialed)
}

// fakeDoc is an in-memory document that counts saves.
type fakeDoc struct {
	*memory.Doc
	mu    sync.Mutex
	saves int
}

func (f *fakeDoc) Save() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeDoc) saved() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func delegation(taskID, assignee string) core.DelegationMessage {
	return core.DelegationMessage{
		TaskID:      taskID,
		TaskDesc:    "summarise",
		RequesterID: "gateway",
		AssigneeID:  assignee,
		Timestamp:   core.Now(),
	}
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}
