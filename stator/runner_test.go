package stator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
)

func testStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedInboxMessage(t *testing.T, s *db.Store, state string) *domain.InboxMessage {
	t.Helper()
	m := &domain.InboxMessage{
		Workflow: domain.NewWorkflow(state),
		Message:  `{"type":"Create"}`,
	}
	if err := s.CreateInboxMessage(context.Background(), m); err != nil {
		t.Fatalf("seed inbox message: %v", err)
	}
	return m
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func waitForState(t *testing.T, s *db.Store, table string, id int64, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := s.ReadWorkflow(context.Background(), table, id)
		if err != nil {
			t.Fatalf("read workflow: %v", err)
		}
		if w.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	w, _ := s.ReadWorkflow(context.Background(), table, id)
	t.Fatalf("row %d never reached %q, stuck in %q", id, want, w.State)
}

func TestRunnerProgressesRows(t *testing.T) {
	s := testStore(t)
	m := seedInboxMessage(t, s, domain.InboxReceived)

	var calls atomic.Int64
	g, err := NewGraph("inbox_messages", domain.InboxReceived, []State{
		{
			Name: domain.InboxReceived,
			Handler: func(ctx context.Context, id int64) (string, error) {
				calls.Add(1)
				return domain.InboxProcessed, nil
			},
			TryInterval: time.Minute,
			Children:    []string{domain.InboxProcessed},
		},
		{Name: domain.InboxProcessed, Terminal: true},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	r, err := NewRunner(s, quietLogger(), Options{ScheduleInterval: time.Hour}, g)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	ctx := context.Background()
	r.dispatchBatch(ctx, g)
	waitForState(t, s, "inbox_messages", m.Id, domain.InboxProcessed)
	if calls.Load() != 1 {
		t.Errorf("handler ran %d times", calls.Load())
	}

	// A processed row is terminal, nothing further to dispatch.
	r.dispatchBatch(ctx, g)
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 1 {
		t.Errorf("terminal row re-dispatched")
	}
}

func TestRunnerDefersOnEmptyResult(t *testing.T) {
	s := testStore(t)
	m := seedInboxMessage(t, s, domain.InboxReceived)

	handled := make(chan struct{}, 1)
	g, err := NewGraph("inbox_messages", domain.InboxReceived, []State{
		{
			Name: domain.InboxReceived,
			Handler: func(ctx context.Context, id int64) (string, error) {
				handled <- struct{}{}
				return "", nil
			},
			TryInterval: time.Hour,
			Children:    []string{domain.InboxProcessed},
		},
		{Name: domain.InboxProcessed, Terminal: true},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	r, err := NewRunner(s, quietLogger(), Options{ScheduleInterval: time.Hour}, g)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	ctx := context.Background()
	r.dispatchBatch(ctx, g)
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatalf("handler never ran")
	}

	// Row stays in place, unlocked and dormant until the try interval
	// elapses.
	deadline := time.Now().Add(5 * time.Second)
	for {
		w, err := s.ReadWorkflow(ctx, "inbox_messages", m.Id)
		if err != nil {
			t.Fatalf("read workflow: %v", err)
		}
		if w.StateLockedUntil == nil && !w.StateReady && w.StateAttempted != nil {
			if w.State != domain.InboxReceived {
				t.Fatalf("deferred row moved to %q", w.State)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("row never deferred: %+v", w)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// With a long try interval a sweep must not wake it.
	r.sweep(ctx)
	r.dispatchBatch(ctx, g)
	select {
	case <-handled:
		t.Fatalf("dormant row re-dispatched inside try interval")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunnerRejectsUndeclaredTransition(t *testing.T) {
	s := testStore(t)
	m := seedInboxMessage(t, s, domain.InboxReceived)

	g, err := NewGraph("inbox_messages", domain.InboxReceived, []State{
		{
			Name: domain.InboxReceived,
			Handler: func(ctx context.Context, id int64) (string, error) {
				// errored is a declared state but not a declared child.
				return domain.InboxErrored, nil
			},
			TryInterval: time.Minute,
			Children:    []string{domain.InboxProcessed},
		},
		{Name: domain.InboxProcessed, Terminal: true},
		{Name: domain.InboxErrored, Terminal: true},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	r, err := NewRunner(s, quietLogger(), Options{ScheduleInterval: time.Hour}, g)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	ctx := context.Background()
	r.dispatchBatch(ctx, g)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := s.ReadWorkflow(ctx, "inbox_messages", m.Id)
		if err != nil {
			t.Fatalf("read workflow: %v", err)
		}
		if w.State != domain.InboxReceived {
			t.Fatalf("undeclared transition applied: %q", w.State)
		}
		if w.StateAttempted != nil && w.StateLockedUntil == nil {
			return // deferred, as required
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("row never settled")
}

func TestSweepAppliesTimeoutsAndGC(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stuck := seedInboxMessage(t, s, domain.InboxReceived)
	done := seedInboxMessage(t, s, domain.InboxProcessed)

	g, err := NewGraph("inbox_messages", domain.InboxReceived, []State{
		{
			Name:        domain.InboxReceived,
			Handler:     noopHandler,
			TryInterval: time.Minute,
			Children:    []string{domain.InboxProcessed, domain.InboxErrored},
			// Zero-ish timeout so the sweep fires immediately.
			Timeout:      time.Millisecond,
			TimeoutState: domain.InboxErrored,
		},
		{Name: domain.InboxProcessed, Terminal: true, DeleteAfter: time.Millisecond},
		{Name: domain.InboxErrored, Terminal: true},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	r, err := NewRunner(s, quietLogger(), Options{ScheduleInterval: time.Hour}, g)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	r.sweep(ctx)

	w, err := s.ReadWorkflow(ctx, "inbox_messages", stuck.Id)
	if err != nil {
		t.Fatalf("read workflow: %v", err)
	}
	if w.State != domain.InboxErrored {
		t.Errorf("timed-out row in %q, want errored", w.State)
	}

	gone, err := s.InboxMessageById(ctx, done.Id)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if gone != nil {
		t.Errorf("terminal row survived gc")
	}

	// Stats were recorded for the model.
	st, err := s.LoadStats(ctx, "inbox_messages")
	if err != nil {
		t.Fatalf("load stats: %v", err)
	}
	if len(st.Payload.Queued) == 0 {
		t.Errorf("sweep recorded no queue depth")
	}
}

func TestRunnerDuplicateModelRejected(t *testing.T) {
	s := testStore(t)
	g1, _ := NewGraph("posts", "new", []State{{Name: "new", Handler: noopHandler, TryInterval: time.Minute}})
	g2, _ := NewGraph("posts", "new", []State{{Name: "new", Handler: noopHandler, TryInterval: time.Minute}})
	if _, err := NewRunner(s, quietLogger(), Options{}, g1, g2); err == nil {
		t.Fatalf("duplicate model accepted")
	}
}

func TestConcurrencyBound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const rows = 8
	for i := 0; i < rows; i++ {
		seedInboxMessage(t, s, domain.InboxReceived)
	}

	var inFlight, peak atomic.Int64
	release := make(chan struct{})
	g, err := NewGraph("inbox_messages", domain.InboxReceived, []State{
		{
			Name: domain.InboxReceived,
			Handler: func(ctx context.Context, id int64) (string, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-release
				inFlight.Add(-1)
				return domain.InboxProcessed, nil
			},
			TryInterval: time.Minute,
			Children:    []string{domain.InboxProcessed},
		},
		{Name: domain.InboxProcessed, Terminal: true},
	})
	if err != nil {
		t.Fatalf("graph: %v", err)
	}

	r, err := NewRunner(s, quietLogger(), Options{Concurrency: 2, ConcurrencyPer: 2, ScheduleInterval: time.Hour}, g)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}

	go func() {
		for i := 0; i < rows; i++ {
			r.dispatchBatch(ctx, g)
			time.Sleep(10 * time.Millisecond)
		}
	}()
	time.Sleep(200 * time.Millisecond)
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := s.CountQueued(ctx, "inbox_messages", []string{domain.InboxReceived})
		if err != nil {
			t.Fatalf("count queued: %v", err)
		}
		if n == 0 {
			break
		}
		r.dispatchBatch(ctx, g)
		time.Sleep(20 * time.Millisecond)
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency %d exceeds bound 2", p)
	}
}
