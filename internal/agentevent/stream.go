// Package agentevent implements the typed event stream a run publishes
// to: a FIFO of coretypes.Event values, fed to both watermill-backed
// async consumers and a synchronous per-instance subscriber list.
package agentevent

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agentcore/opencode-core/pkg/coretypes"
)

// topic is the single watermill topic each Stream publishes to; Streams
// are already scoped per-run, so no further partitioning is needed.
const topic = "events"

// Listener receives events synchronously, in push order. A Listener
// must not block for long: it runs inline on the publisher's goroutine.
type Listener func(coretypes.Event)

// Result is the terminal payload delivered via End.
type Result struct {
	FinalText string
	Err       error
}

// Stream is one run's event queue: push/End are synchronous, iteration
// is asynchronous and non-replaying, exactly like the teacher's global
// bus but scoped to a single run instance instead of process-wide.
type Stream struct {
	pubsub *gochannel.GoChannel

	mu        sync.RWMutex
	listeners map[uint64]Listener
	nextID    uint64
	ended     bool
	result    Result

	closeOnce sync.Once
}

// New creates an empty, unstarted event stream.
func New() *Stream {
	return &Stream{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, Persistent: false},
			watermill.NopLogger{},
		),
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers a listener invoked synchronously on every Push,
// in registration order. Returns an unsubscribe function. Late
// subscribers do not receive events pushed before they subscribed.
func (s *Stream) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := atomic.AddUint64(&s.nextID, 1)
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Push publishes ev to the async FIFO and to every current synchronous
// listener. Listener panics are recovered and swallowed so one
// misbehaving subscriber cannot take down the publisher or its peers.
func (s *Stream) Push(ev coretypes.Event) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.safeInvoke(fn, ev)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

func (s *Stream) safeInvoke(fn Listener, ev coretypes.Event) {
	defer func() { _ = recover() }()
	fn(ev)
}

// End marks the stream terminal with the given result and closes the
// async FIFO so Iterate's channel drains and closes. Safe to call at
// most meaningfully once; subsequent calls are no-ops.
func (s *Stream) End(result Result) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.result = result
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		_ = s.pubsub.Close()
	})
}

// Result returns the terminal result and whether End has been called.
func (s *Stream) Result() (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, s.ended
}

// Iterate returns a channel of decoded events from the point of
// subscription forward. The channel closes when the stream ends or ctx
// is done. There is no replay: events pushed before Iterate is called
// are not delivered.
func (s *Stream) Iterate(ctx context.Context) (<-chan coretypes.Event, error) {
	msgs, err := s.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan coretypes.Event)
	go func() {
		defer close(out)
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev coretypes.Event
				if err := json.Unmarshal(m.Payload, &ev); err == nil {
					select {
					case out <- ev:
					case <-ctx.Done():
						m.Ack()
						return
					}
				}
				m.Ack()
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
