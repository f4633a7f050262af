package workflows

import (
	"context"
	"testing"
	"time"
)

func TestSubmitAwaitsCompletion(t *testing.T) {
	def := mustDef(t, "w", Single("a", "ref.a"))
	resolved, err := resolve(*def, registryFor(def))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	store := newFakeStore()

	h, err := Submit(context.Background(), store, resolved, nil, SubmitPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if h.ID() == "" {
		t.Fatal("expected a run ID")
	}

	store.setRunStatus(h.ID(), RunCompleted, "")

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RunHandle to observe completion")
	}

	if h.State() != RunStateCompleted {
		t.Errorf("expected RunStateCompleted, got %v", h.State())
	}
	run, err := h.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if run.Status != RunCompleted {
		t.Errorf("expected completed run, got %v", run.Status)
	}
}

func TestSubmitObservesFailure(t *testing.T) {
	def := mustDef(t, "w", Single("a", "ref.a"))
	resolved, err := resolve(*def, registryFor(def))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	store := newFakeStore()

	h, err := Submit(context.Background(), store, resolved, nil, SubmitPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	store.setRunStatus(h.ID(), RunFailed, "boom")

	<-h.Done()
	if h.State() != RunStateFailed {
		t.Errorf("expected RunStateFailed, got %v", h.State())
	}
	run, _ := h.Result()
	if run.Error != "boom" {
		t.Errorf("expected error message to propagate, got %q", run.Error)
	}
}

func TestRunHandleResultBeforeTerminalErrors(t *testing.T) {
	def := mustDef(t, "w", Single("a", "ref.a"))
	resolved, err := resolve(*def, registryFor(def))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	store := newFakeStore()

	h, err := Submit(context.Background(), store, resolved, nil, SubmitPollInterval(time.Hour))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer h.Cancel()

	if _, err := h.Result(); err == nil {
		t.Fatal("expected Result to error before the run is terminal")
	}
}
