package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/peervid/backend/internal/identity"
	"github.com/peervid/backend/internal/models"
)

type sentRequest struct {
	host  string
	route string
	body  []byte
}

type senderStub struct {
	mu    sync.Mutex
	calls []sentRequest
	// respond decides the outcome of each call, in call order.
	respond func(call int, host, route string) error
	// gate, when non-nil, blocks sends to the named host until closed.
	gate     chan struct{}
	gateHost string
}

func (s *senderStub) Send(ctx context.Context, host, route string, body, signature []byte) error {
	if s.gate != nil && host == s.gateHost {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return TransientDelivery(ctx.Err())
		}
	}

	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, sentRequest{host: host, route: route, body: body})
	s.mu.Unlock()

	if s.respond != nil {
		return s.respond(call, host, route)
	}
	return nil
}

func (s *senderStub) sent() []sentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentRequest(nil), s.calls...)
}

func testSigner(t *testing.T) *identity.Pod {
	t.Helper()
	pod, err := identity.NewPod("local.example")
	if err != nil {
		t.Fatalf("generate pod identity: %v", err)
	}
	return pod
}

func testScheduler(t *testing.T, sender Sender, valid ValidityFunc, cfg SchedulerConfig) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := NewScheduler("local.example", sender, testSigner(t), valid, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	return sched
}

func videoAddedEvent(id string) Event {
	return VideoEvent(EventVideoAdded, models.Video{ID: id, OwnerHost: "local.example", Name: "video " + id})
}

func decodeEventIDs(t *testing.T, body []byte) []string {
	t.Helper()
	var wire VideoEventsBody
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("decode events body: %v", err)
	}
	ids := make([]string, 0, len(wire.Events))
	for _, event := range wire.Events {
		if event.Video == nil {
			t.Fatalf("event %s missing video payload", event.Kind)
		}
		ids = append(ids, event.Video.ID)
	}
	return ids
}

func TestSchedulerPreservesOrderAcrossRetries(t *testing.T) {
	sender := &senderStub{}
	sender.respond = func(call int, host, route string) error {
		// Fail the first delivery attempt of the second unit.
		if call == 1 {
			return TransientDelivery(errors.New("connection refused"))
		}
		return nil
	}

	sched := testScheduler(t, sender, nil, SchedulerConfig{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	})

	ctx := context.Background()
	for _, id := range []string{"v1", "v2", "v3"} {
		if err := sched.Enqueue(ctx, "remote.example", videoAddedEvent(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	waitForCondition(t, func() bool { return len(sender.sent()) == 4 }, 2*time.Second)

	var delivered []string
	for call, req := range sender.sent() {
		// Call 1 is the failed attempt for v2; its retry lands at call 2.
		if call == 1 {
			continue
		}
		ids := decodeEventIDs(t, req.body)
		if len(ids) != 1 {
			t.Fatalf("expected one event per unit, got %d", len(ids))
		}
		delivered = append(delivered, ids[0])
	}

	want := []string{"v1", "v2", "v3"}
	if fmt.Sprint(delivered) != fmt.Sprint(want) {
		t.Fatalf("unexpected delivery order: got %v want %v", delivered, want)
	}
}

func TestSchedulerCoalescesBatchedVideoEvents(t *testing.T) {
	sender := &senderStub{}
	sched := testScheduler(t, sender, nil, SchedulerConfig{})

	events := []Event{videoAddedEvent("v1"), videoAddedEvent("v2"), videoAddedEvent("v3")}
	if err := sched.Enqueue(context.Background(), "remote.example", events...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool { return len(sender.sent()) == 1 }, time.Second)

	ids := decodeEventIDs(t, sender.sent()[0].body)
	if len(ids) != 3 {
		t.Fatalf("expected one coalesced request with 3 events, got %d", len(ids))
	}
}

func TestSchedulerKeepsHandshakesUncoalesced(t *testing.T) {
	sender := &senderStub{}
	sched := testScheduler(t, sender, nil, SchedulerConfig{})

	events := []Event{
		{Kind: EventFollowRequest},
		videoAddedEvent("v1"),
		videoAddedEvent("v2"),
	}
	if err := sched.Enqueue(context.Background(), "remote.example", events...); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool { return len(sender.sent()) == 2 }, time.Second)

	sent := sender.sent()
	if sent[0].route != RouteFollow {
		t.Fatalf("expected handshake first, got %s", sent[0].route)
	}
	if sent[1].route != RouteVideoEvents {
		t.Fatalf("expected video events second, got %s", sent[1].route)
	}
	if ids := decodeEventIDs(t, sent[1].body); len(ids) != 2 {
		t.Fatalf("expected 2 coalesced video events, got %d", len(ids))
	}
}

func TestSchedulerDropsUnitAfterRetriesExhausted(t *testing.T) {
	sender := &senderStub{}
	sender.respond = func(call int, host, route string) error {
		var wire VideoEventsBody
		_ = json.Unmarshal(sender.sent()[call].body, &wire)
		if len(wire.Events) > 0 && wire.Events[0].Video.ID == "doomed" {
			return TransientDelivery(errors.New("connection refused"))
		}
		return nil
	}

	sched := testScheduler(t, sender, nil, SchedulerConfig{
		MaxRetries:  1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})

	ctx := context.Background()
	if err := sched.Enqueue(ctx, "remote.example", videoAddedEvent("doomed")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := sched.Enqueue(ctx, "remote.example", videoAddedEvent("survivor")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitForCondition(t, func() bool {
		sent := sender.sent()
		if len(sent) == 0 {
			return false
		}
		last := sent[len(sent)-1]
		var wire VideoEventsBody
		if err := json.Unmarshal(last.body, &wire); err != nil {
			return false
		}
		return wire.Events[0].Video.ID == "survivor"
	}, 2*time.Second)

	// doomed: initial attempt + one retry, then survivor.
	if got := len(sender.sent()); got != 3 {
		t.Fatalf("expected 3 send attempts, got %d", got)
	}
}

func TestSchedulerDropsDeliveriesForTornDownRelationship(t *testing.T) {
	sender := &senderStub{}
	valid := func(ctx context.Context, host string) bool { return false }
	sched := testScheduler(t, sender, valid, SchedulerConfig{})

	if err := sched.Enqueue(context.Background(), "remote.example", videoAddedEvent("v1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(sender.sent()); got != 0 {
		t.Fatalf("expected no deliveries after teardown, got %d", got)
	}
}

func TestSchedulerEvictsHostAfterConsecutiveFailures(t *testing.T) {
	sender := &senderStub{}
	sender.respond = func(call int, host, route string) error {
		return PermanentDelivery(fmt.Errorf("status 400"))
	}

	sched := testScheduler(t, sender, nil, SchedulerConfig{
		MaxRetries:  0,
		BaseBackoff: time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := sched.Enqueue(ctx, "dead.example", videoAddedEvent(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Three permanent failures trigger eviction; the rest are discarded
	// without a network attempt.
	waitForCondition(t, func() bool { return len(sender.sent()) >= 3 }, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := len(sender.sent()); got != 3 {
		t.Fatalf("expected exactly 3 attempts before eviction, got %d", got)
	}
}

func TestSchedulerDeliversToHostAgainAfterEviction(t *testing.T) {
	sender := &senderStub{}
	sender.respond = func(call int, host, route string) error {
		// The first three attempts strike the host out of rotation.
		if call < 3 {
			return PermanentDelivery(fmt.Errorf("status 400"))
		}
		return nil
	}

	sched := testScheduler(t, sender, nil, SchedulerConfig{
		MaxRetries:  0,
		BaseBackoff: time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := sched.Enqueue(ctx, "flaky.example", videoAddedEvent(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitForCondition(t, func() bool { return len(sender.sent()) == 3 }, 2*time.Second)

	// A later enqueue recreates the destination from scratch and the
	// unit is delivered, not black-holed by the evicted worker.
	if err := sched.Enqueue(ctx, "flaky.example", videoAddedEvent("revived")); err != nil {
		t.Fatalf("enqueue after eviction: %v", err)
	}
	waitForCondition(t, func() bool {
		sent := sender.sent()
		if len(sent) < 4 {
			return false
		}
		ids := decodeEventIDs(t, sent[len(sent)-1].body)
		return len(ids) == 1 && ids[0] == "revived"
	}, 2*time.Second)
}

func TestSchedulerSlowHostDoesNotBlockOthers(t *testing.T) {
	gate := make(chan struct{})
	sender := &senderStub{gate: gate, gateHost: "slow.example"}
	sched := testScheduler(t, sender, nil, SchedulerConfig{MaxConcurrent: 4})

	ctx := context.Background()
	if err := sched.Enqueue(ctx, "slow.example", videoAddedEvent("stuck")); err != nil {
		t.Fatalf("enqueue slow: %v", err)
	}
	if err := sched.Enqueue(ctx, "fast.example", videoAddedEvent("quick")); err != nil {
		t.Fatalf("enqueue fast: %v", err)
	}

	waitForCondition(t, func() bool {
		for _, req := range sender.sent() {
			if req.host == "fast.example" {
				return true
			}
		}
		return false
	}, time.Second)

	close(gate)
}

func TestSchedulerRejectsEnqueueAfterShutdown(t *testing.T) {
	sender := &senderStub{}
	sched := testScheduler(t, sender, nil, SchedulerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sched.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if err := sched.Enqueue(context.Background(), "remote.example", videoAddedEvent("v1")); err == nil {
		t.Fatalf("expected enqueue to fail after shutdown")
	}
}

func waitForCondition(t *testing.T, predicate func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
