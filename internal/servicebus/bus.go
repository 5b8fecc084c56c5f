// Package servicebus implements the host's generic pub-sub fabric: one
// producer thread per named service (capture, cursor image, cursor
// position, clipboard, audio) fanning out to many per-connection
// subscribers, with snapshot semantics so a late joiner always sees
// exactly one catch-up frame before the live stream. Producers run on plain
// goroutines; a panicking callback is not recovered here.
package servicebus

import (
	"context"
	"sync"
	"time"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("servicebus")

// MaxErrorTimeout bounds the sleep after a repeat() callback errors before
// retrying, and is also the ceiling for run()'s exponential back-off.
const MaxErrorTimeout = 1 * time.Second

// HibernateTimeout is the starting back-off for run()'s error retries.
const HibernateTimeout = 30 * time.Millisecond

// Message is an opaque payload fanned out to subscribers. VideoFrame is a
// distinct bool so the Bus can route it through each subscriber's separate
// video channel, preserving ordering independent of other message types.
type Message struct {
	VideoFrame bool
	Seq        uint64
	Payload    any
}

// Subscriber receives fan-out messages for one connection. Video and other
// messages arrive on separate channels so a stalled video consumer never
// blocks cursor/clipboard delivery, and vice versa.
type Subscriber struct {
	ConnID int32
	Video  chan Message
	Other  chan Message
}

func newSubscriber(connID int32, videoBuf, otherBuf int) *Subscriber {
	return &Subscriber{
		ConnID: connID,
		Video:  make(chan Message, videoBuf),
		Other:  make(chan Message, otherBuf),
	}
}

// send delivers msg to the subscriber's appropriate channel, dropping the
// message (never blocking the producer) if the channel is full. Video
// frames are always attempted (dropping them causes larger decoder
// rebuffers per spec 4.8); for the Other channel, callers that need
// guaranteed delivery should size otherBuf generously.
func (s *Subscriber) send(msg Message) (delivered bool) {
	ch := s.Other
	if msg.VideoFrame {
		ch = s.Video
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// Deliver sends msg to this subscriber directly. Snapshot callbacks use it
// on the swap handle they receive to seed a late joiner's catch-up state.
func (s *Subscriber) Deliver(msg Message) bool {
	return s.send(msg)
}

// SnapshotFunc produces the catch-up state for a newly promoted subscriber.
// It is invoked with a "swap" handle scoped to exactly that subscriber; any
// message sent through it arrives before the subscriber is promoted into
// the live set, guaranteeing snapshot-then-live ordering.
type SnapshotFunc func(swap *Subscriber)

// Callback is the producer body for a service. repeat() invokes it on a
// fixed cadence; run() invokes it once and expects it to loop internally
// until ctx is cancelled.
type Callback func(ctx context.Context) error

// Service is one named pub-sub channel: a single producer (driven by
// either Repeat or Run) and an ordered map of subscribers plus a pending
// queue for joiners awaiting their snapshot.
type Service struct {
	name string

	mu          sync.Mutex
	subscribers map[int32]*Subscriber
	order       []int32 // insertion order, mirrors spec's "ordered mapping"
	pending     map[int32]*Subscriber
	snapshot    SnapshotFunc

	videoBuf, otherBuf int

	cancel context.CancelFunc
	done   chan struct{}
}

// Bus owns every registered Service by name.
type Bus struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{services: make(map[string]*Service)}
}

// AddService registers a named service exactly once. videoBuf/otherBuf size
// each subscriber's per-channel buffer; pass 0 for otherBuf on services
// that never carry video (cursor, clipboard) to use a sane default of 32.
func (b *Bus) AddService(name string, videoBuf, otherBuf int, snapshot SnapshotFunc) *Service {
	if otherBuf <= 0 {
		otherBuf = 32
	}
	svc := &Service{
		name:        name,
		subscribers: make(map[int32]*Subscriber),
		pending:     make(map[int32]*Subscriber),
		snapshot:    snapshot,
		videoBuf:    videoBuf,
		otherBuf:    otherBuf,
	}
	b.mu.Lock()
	b.services[name] = svc
	b.mu.Unlock()
	return svc
}

// Service looks up a registered service by name.
func (b *Bus) Service(name string) (*Service, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	svc, ok := b.services[name]
	return svc, ok
}

// Subscribe idempotently adds or removes conn from the service. Enabling an
// already-subscribed connection, or disabling one that isn't, is a no-op.
// A newly enabled connection is placed in the pending set; it is promoted
// into the live set the next time the producer calls deliverSnapshots.
func (s *Service) Subscribe(connID int32, enable bool) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !enable {
		delete(s.subscribers, connID)
		delete(s.pending, connID)
		for i, id := range s.order {
			if id == connID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return nil
	}

	if sub, ok := s.subscribers[connID]; ok {
		return sub
	}
	if sub, ok := s.pending[connID]; ok {
		return sub
	}

	sub := newSubscriber(connID, s.videoBuf, s.otherBuf)
	s.pending[connID] = sub
	return sub
}

// Subscribed reports whether connID currently has a subscription (pending
// or live) — used by hibernation checks.
func (s *Service) Subscribed(connID int32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[connID]; ok {
		return true
	}
	_, ok := s.pending[connID]
	return ok
}

// SubscriberCount returns the number of live + pending subscribers; zero
// means the producer should hibernate.
func (s *Service) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers) + len(s.pending)
}

// deliverSnapshots runs the snapshot callback once per pending subscriber,
// sending it exactly one catch-up message through the swap handle, then
// promotes it into the live set. Called by the producer loop before every
// live send so a joiner mid-tick never misses or double-receives a frame.
func (s *Service) deliverSnapshots() {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	promoted := make([]*Subscriber, 0, len(s.pending))
	for id, sub := range s.pending {
		promoted = append(promoted, sub)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, sub := range promoted {
		if s.snapshot != nil {
			s.snapshot(sub)
		}
		s.mu.Lock()
		s.subscribers[sub.ConnID] = sub
		s.order = append(s.order, sub.ConnID)
		s.mu.Unlock()
	}
}

// Send fans msg out to every live subscriber (video frames use send's
// video-frame routing, see Subscriber.send). Subscribers joining between
// the snapshot delivery and this call are, by construction, still in
// pending and do not receive msg — they get it as part of their own
// snapshot instead.
func (s *Service) Send(msg Message) {
	s.deliverSnapshots()

	s.mu.Lock()
	ids := make([]int32, len(s.order))
	copy(ids, s.order)
	subs := make([]*Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subscribers[id])
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.send(msg)
	}
}

// Repeat drives the service's producer at a fixed cadence. On callback
// error it sleeps MaxErrorTimeout before retrying rather than tight-looping.
// With zero subscribers the service hibernates: the callback body is never
// invoked until a subscriber joins.
func (s *Service) Repeat(ctx context.Context, interval time.Duration, cb Callback) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.SubscriberCount() == 0 {
					continue // hibernate
				}
				if err := cb(ctx); err != nil {
					log.Warn("service repeat callback failed", "service", s.name, "error", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(MaxErrorTimeout):
					}
				}
			}
		}
	}()
}

// Run drives a long-running producer callback (expected to loop internally
// respecting ctx) with exponential back-off from HibernateTimeout up to
// MaxErrorTimeout on repeated failures. Used for continuous streams like
// capture where the callback owns its own inner loop.
func (s *Service) Run(ctx context.Context, cb Callback) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		backoff := HibernateTimeout
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if s.SubscriberCount() == 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(HibernateTimeout):
				}
				continue
			}
			if err := cb(ctx); err != nil {
				log.Warn("service run callback failed", "service", s.name, "error", err, "backoff", backoff)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > MaxErrorTimeout {
					backoff = MaxErrorTimeout
				}
				continue
			}
			backoff = HibernateTimeout
		}
	}()
}

// Stop cancels the producer goroutine and waits for it to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}
