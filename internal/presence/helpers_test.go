package presence

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 9, 3, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingDispatcher captures every envelope per connection.
type recordingDispatcher struct {
	mu    sync.Mutex
	sent  map[string][]Envelope
	fail  map[string]bool
	panic map[string]bool

	// beforeSend, when set, runs outside the lock ahead of recording each envelope.
	beforeSend func(connectionID string, env Envelope)
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{
		sent:  make(map[string][]Envelope),
		fail:  make(map[string]bool),
		panic: make(map[string]bool),
	}
}

var errSendFailed = errors.New("send failed")

func (d *recordingDispatcher) Send(connectionID string, env Envelope) error {
	if d.beforeSend != nil {
		d.beforeSend(connectionID, env)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panic[connectionID] {
		panic("dispatcher exploded")
	}
	if d.fail[connectionID] {
		return errSendFailed
	}
	d.sent[connectionID] = append(d.sent[connectionID], env)
	return nil
}

// events returns the envelopes named event delivered to connectionID.
func (d *recordingDispatcher) events(connectionID, event string) []Envelope {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Envelope
	for _, env := range d.sent[connectionID] {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (d *recordingDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = make(map[string][]Envelope)
}

// jsonInbound builds an inbound event whose data is v encoded as JSON.
func jsonInbound(event string, v any) Inbound {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return Inbound{
		Event: event,
		Decode: func(dst any) error {
			return json.Unmarshal(raw, dst)
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type relayFixture struct {
	clock      *fakeClock
	registry   *Registry
	dispatcher *recordingDispatcher
	relay      *Relay
}

func newRelayFixture() *relayFixture {
	clock := newFakeClock()
	registry := NewRegistry(WithClock(clock.Now))
	dispatcher := newRecordingDispatcher()
	relay := NewRelay(registry, dispatcher, RelayConfig{
		Logger: discardLogger(),
		Now:    clock.Now,
	})
	return &relayFixture{clock: clock, registry: registry, dispatcher: dispatcher, relay: relay}
}

func conn(id string) Identity {
	return Identity{ConnectionID: id}
}
