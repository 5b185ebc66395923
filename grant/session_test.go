package grant

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSession_ReachesApproved(t *testing.T) {
	clk := newFakeClock()
	fetch, _ := script(pe(CodeAuthorizationPending), pe(CodeSlowDown), nil)

	s := Start(context.Background(), "test", clk.config(time.Minute), fetch)
	if s.ID() == "" || s.Kind() != "test" {
		t.Fatalf("unexpected identity %q %q", s.ID(), s.Kind())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != StatusApproved || st.Tokens != "tokens" {
		t.Fatalf("expected approved, got %+v", st)
	}
	if s.State().Status != StatusApproved || s.Cancelled() {
		t.Fatalf("state not retained: %+v", s.State())
	}

	var last State[string]
	for u := range s.Updates() {
		last = u
	}
	if last.Status != StatusApproved {
		t.Fatalf("expected last update approved, got %+v", last)
	}
}

func TestSession_CancelDiscardsState(t *testing.T) {
	fetch, _ := script(pe(CodeAuthorizationPending))
	cfg := PollConfig{Interval: 5 * time.Millisecond, Deadline: time.Now().Add(time.Minute)}

	s := Start(context.Background(), "test", cfg, fetch)
	first := <-s.Updates()
	if first.Status != StatusPending || first.Interval != 5*time.Millisecond {
		t.Fatalf("expected initial pending, got %+v", first)
	}
	time.Sleep(20 * time.Millisecond)
	s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	if !errors.Is(err, ErrSessionCancelled) {
		t.Fatalf("expected ErrSessionCancelled, got %v", err)
	}
	if st.Terminal() {
		t.Fatalf("cancelled session must not be terminal, got %+v", st)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("done not closed")
	}
}

func TestRegistry_CancelAndPrune(t *testing.T) {
	reg := NewRegistry[string]()

	clk := newFakeClock()
	fetch, _ := script(nil)
	done := Start(context.Background(), "test", clk.config(time.Minute), fetch)
	reg.Add(done)
	if _, err := done.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	slow, _ := script(pe(CodeAuthorizationPending))
	running := Start(context.Background(), "test", PollConfig{Interval: time.Hour, Deadline: time.Now().Add(2 * time.Hour)}, slow)
	reg.Add(running)

	if got, ok := reg.Get(running.ID()); !ok || got != running {
		t.Fatalf("lookup failed")
	}
	if n := reg.Prune(clk.Now().Add(time.Hour), time.Minute); n != 1 {
		t.Fatalf("expected finished session pruned, got %d", n)
	}
	if _, ok := reg.Get(done.ID()); ok {
		t.Fatalf("pruned session still present")
	}

	if err := reg.Cancel(running.ID()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	<-running.Done()
	if !running.Cancelled() {
		t.Fatalf("expected cancelled")
	}
	if err := reg.Cancel(running.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}
