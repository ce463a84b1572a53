package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/vigil/internal/auth"
)

type countingDrops struct {
	mu    sync.Mutex
	drops map[string]int
}

func newCountingDrops() *countingDrops {
	return &countingDrops{drops: make(map[string]int)}
}

func (c *countingDrops) RecordDroppedEvent(subscriber string) {
	c.mu.Lock()
	c.drops[subscriber]++
	c.mu.Unlock()
}

func (c *countingDrops) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.drops {
		n += v
	}
	return n
}

func viewer() auth.Principal {
	return auth.Principal{Subject: "viewer", Roles: []auth.Role{auth.RoleViewer}}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
		return Event{}
	}
}

func TestSubscribeRequiresPermission(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)

	if _, err := b.Subscribe(auth.Principal{Subject: "stranger"}, nil, 0); err == nil {
		t.Fatal("principal without view_monitoring must be rejected")
	}
	if _, err := b.Subscribe(viewer(), nil, 0); err != nil {
		t.Fatalf("viewer should be accepted: %v", err)
	}
}

func TestPublishDeliversToMatchingGroups(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)

	httpSub, _ := b.Subscribe(viewer(), []string{GroupHTTP}, 0)
	dbSub, _ := b.Subscribe(viewer(), []string{GroupDatabase}, 0)
	allSub, _ := b.Subscribe(viewer(), []string{GroupAll}, 0)
	t.Cleanup(httpSub.Close)
	t.Cleanup(dbSub.Close)
	t.Cleanup(allSub.Close)

	b.Publish(NewEvent(KindHTTP, map[string]string{"target": "api"}))

	evt := recvEvent(t, httpSub.Events())
	if evt.Kind != KindHTTP {
		t.Fatalf("http subscriber got %s", evt.Kind)
	}
	recvEvent(t, allSub.Events())

	select {
	case evt := <-dbSub.Events():
		t.Fatalf("database subscriber must not receive http events, got %s", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLifecycleEventsReachAllSubscribers(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)

	httpSub, _ := b.Subscribe(viewer(), []string{GroupHTTP}, 0)
	t.Cleanup(httpSub.Close)

	b.Publish(NewEvent(KindWorkerStatus, map[string]string{"status": "running"}))
	evt := recvEvent(t, httpSub.Events())
	if evt.Kind != KindWorkerStatus {
		t.Fatalf("expected worker_status, got %s", evt.Kind)
	}
}

func TestEventEnvelope(t *testing.T) {
	evt := NewEvent(KindDatabase, "payload")
	if evt.EventID == "" {
		t.Fatal("event id should be set")
	}
	if evt.OccurredAt.IsZero() {
		t.Fatal("occurred_at should be set")
	}
	other := NewEvent(KindDatabase, "payload")
	if evt.EventID == other.EventID {
		t.Fatal("event ids must be unique")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	drops := newCountingDrops()
	b := New(auth.PermissionPolicy{}, drops, 2, nil)

	slow, _ := b.Subscribe(viewer(), nil, 2)
	t.Cleanup(slow.Close)
	fast, _ := b.Subscribe(viewer(), nil, 64)
	t.Cleanup(fast.Close)

	// Publish more than the slow buffer can hold without draining it.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(NewEvent(KindHTTP, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	if drops.total() != 8 {
		t.Fatalf("expected 8 drops for the slow subscriber, got %d", drops.total())
	}

	// The fast subscriber got everything.
	for i := 0; i < 10; i++ {
		recvEvent(t, fast.Events())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)
	sub, _ := b.Subscribe(viewer(), nil, 0)

	sub.Close()
	sub.Close()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed")
	}
}

func TestCloseAll(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)
	s1, _ := b.Subscribe(viewer(), nil, 0)
	s2, _ := b.Subscribe(viewer(), nil, 0)

	b.CloseAll()

	if b.SubscriberCount() != 0 {
		t.Fatalf("expected no subscribers, got %d", b.SubscriberCount())
	}
	if _, ok := <-s1.Events(); ok {
		t.Fatal("first channel should be closed")
	}
	if _, ok := <-s2.Events(); ok {
		t.Fatal("second channel should be closed")
	}
}

func TestPublishAfterCloseDoesNotPanic(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 8, nil)
	sub, _ := b.Subscribe(viewer(), nil, 0)
	sub.Close()

	b.Publish(NewEvent(KindHTTP, nil))
}

func TestPerSubscriberOrdering(t *testing.T) {
	b := New(auth.PermissionPolicy{}, nil, 64, nil)
	sub, _ := b.Subscribe(viewer(), nil, 64)
	t.Cleanup(sub.Close)

	for i := 0; i < 20; i++ {
		b.Publish(NewEvent(KindHTTP, i))
	}
	for i := 0; i < 20; i++ {
		evt := recvEvent(t, sub.Events())
		if evt.Payload.(int) != i {
			t.Fatalf("event %d delivered out of order as %v", i, evt.Payload)
		}
	}
}
