// Package fanout publishes classified probe results to live subscribers with
// per-subscriber permission filtering. Publishing never blocks: a subscriber
// whose buffer is full loses that event and has its drop counter incremented.
package fanout

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/vigil/internal/auth"
)

// Groups a subscriber can join. The global group receives every event kind.
const (
	GroupHTTP     = "http"
	GroupDatabase = "database"
	GroupAll      = "all"
)

// Event kinds.
const (
	KindHTTP         = "http"
	KindDatabase     = "database"
	KindWorkerStatus = "worker_status"
	KindMetrics      = "metrics"
)

// Event is the envelope delivered to subscribers. EventID is unique per
// publisher.
type Event struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// NewEvent builds an envelope with a fresh id.
func NewEvent(kind string, payload any) Event {
	return Event{
		EventID:    uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// DropCounter receives per-subscriber drop counts. Satisfied by the metrics
// aggregator.
type DropCounter interface {
	RecordDroppedEvent(subscriber string)
}

type subscriber struct {
	id        string
	principal auth.Principal
	groups    map[string]struct{}
	ch        chan Event
}

func (s *subscriber) wants(kind string) bool {
	if _, ok := s.groups[GroupAll]; ok {
		return true
	}
	switch kind {
	case KindHTTP, KindDatabase:
		_, ok := s.groups[kind]
		return ok
	default:
		// Lifecycle and metrics events go to every subscriber.
		return true
	}
}

// Broadcaster owns the mutable subscriber set behind a read-write guard.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	policy auth.Policy
	drops  DropCounter
	logger *zap.Logger

	bufferSize int
}

// New creates a broadcaster. bufferSize is the per-subscriber outbound buffer.
func New(policy auth.Policy, drops DropCounter, bufferSize int, logger *zap.Logger) *Broadcaster {
	if policy == nil {
		policy = auth.PermissionPolicy{}
	}
	if bufferSize < 1 {
		bufferSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		subs:       make(map[string]*subscriber),
		policy:     policy,
		drops:      drops,
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Subscription is the live handle returned to a client. Events stop after
// Close; the channel is closed once the subscriber is removed.
type Subscription struct {
	ID string

	b    *Broadcaster
	sub  *subscriber
	once sync.Once
}

// Events returns the subscriber's ordered event stream.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close removes the subscriber and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.remove(s.ID)
	})
}

// ErrNotAuthorized is returned when the principal lacks view_monitoring.
type ErrNotAuthorized struct{ Subject string }

func (e ErrNotAuthorized) Error() string {
	return "subscriber " + e.Subject + " lacks monitoring permission"
}

// Subscribe registers a principal for the given groups. BufferSize <= 0 uses
// the broadcaster default.
func (b *Broadcaster) Subscribe(principal auth.Principal, groups []string, bufferSize int) (*Subscription, error) {
	if !b.policy.CanView(principal) {
		return nil, ErrNotAuthorized{Subject: principal.Subject}
	}
	if bufferSize <= 0 {
		bufferSize = b.bufferSize
	}

	sub := &subscriber{
		id:        uuid.NewString(),
		principal: principal,
		groups:    make(map[string]struct{}, len(groups)),
		ch:        make(chan Event, bufferSize),
	}
	for _, g := range groups {
		sub.groups[g] = struct{}{}
	}
	if len(sub.groups) == 0 {
		sub.groups[GroupAll] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber joined",
		zap.String("subscriber_id", sub.id),
		zap.String("subject", principal.Subject),
		zap.Strings("groups", groups),
	)
	return &Subscription{ID: sub.id, b: b, sub: sub}, nil
}

// Publish delivers evt to every matching subscriber. Non-blocking by
// contract: a full buffer drops the event for that subscriber only.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !b.policy.CanView(sub.principal) {
			continue
		}
		if !sub.wants(evt.Kind) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.drops != nil {
				b.drops.RecordDroppedEvent(sub.id)
			}
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// CloseAll tears down every subscriber. Used during shutdown.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}
