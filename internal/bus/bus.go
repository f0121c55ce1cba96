// Package bus fans realtime envelopes out to in-process subscribers.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// subscriberBuffer bounds pending envelopes per subscriber. When the buffer
// is full the oldest pending envelope is dropped; publishers never block.
const subscriberBuffer = 64

// Envelope types carried on the bus.
const (
	TypeRealtimeEvent      = "realtime_event"
	TypeSupervisorAlert    = "supervisor_alert"
	TypeSupervisorAlertAck = "supervisor_alert_ack"
	TypeStatus             = "status"
	TypeHeartbeat          = "heartbeat"
	TypeConnected          = "connected"
)

// Subscriber receives JSON-encoded envelopes for one call id, or for every
// call when subscribed with an empty id.
type Subscriber struct {
	callID string
	ch     chan []byte
	once   sync.Once
}

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscriber) C() <-chan []byte { return s.ch }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is a topic-per-call in-process broadcaster.
type Bus struct {
	log zerolog.Logger

	mu      sync.Mutex
	subs    map[string]map[*Subscriber]struct{}
	dropped uint64
	closed  bool
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a delivery channel for callID. An empty callID
// subscribes to envelopes for every call.
func (b *Bus) Subscribe(callID string) *Subscriber {
	sub := &Subscriber{callID: callID, ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	set, ok := b.subs[callID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[callID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if set, ok := b.subs[sub.callID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.callID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish encodes the envelope and delivers it to the call's subscribers and
// to firehose subscribers, in publish order per subscriber.
func (b *Bus) Publish(callID string, envelope any) {
	data, err := json.Marshal(envelope)
	if err != nil {
		b.log.Error().Err(err).Str("call_id", callID).Msg("bus envelope marshal failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs[callID] {
		b.deliverLocked(sub, data)
	}
	if callID != "" {
		for sub := range b.subs[""] {
			b.deliverLocked(sub, data)
		}
	}
}

func (b *Bus) deliverLocked(sub *Subscriber, data []byte) {
	for {
		select {
		case sub.ch <- data:
			return
		default:
		}
		// Buffer full: shed the oldest pending envelope and retry.
		select {
		case <-sub.ch:
			b.dropped++
		default:
		}
	}
}

// Subscribers reports the current subscriber count across all calls.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Dropped reports how many envelopes were shed to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close tears down every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.close()
		}
	}
	b.subs = make(map[string]map[*Subscriber]struct{})
}
