package workflows

import (
	"context"
	"encoding/json"
	"testing"
)

type recordingMiddleware struct {
	name  string
	trace *[]string
}

func (m recordingMiddleware) Around(ctx context.Context, msg TaskMessage, input json.RawMessage, next Callable) (json.RawMessage, error) {
	*m.trace = append(*m.trace, m.name+":before")
	out, err := next(ctx, input)
	*m.trace = append(*m.trace, m.name+":after")
	return out, err
}

func TestMiddlewareChainRunsOutermostFirst(t *testing.T) {
	var trace []string
	chain := NewMiddlewareChain().
		Use(recordingMiddleware{name: "outer", trace: &trace}).
		Use(recordingMiddleware{name: "inner", trace: &trace})

	fn := chain.Wrap(TaskMessage{}, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		trace = append(trace, "callable")
		return Ok(struct{}{})
	})

	if _, err := fn(context.Background(), nil); err != nil {
		t.Fatalf("fn: %v", err)
	}

	want := []string{"outer:before", "inner:before", "callable", "inner:after", "outer:after"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

type shortCircuitMiddleware struct{}

func (shortCircuitMiddleware) Around(ctx context.Context, msg TaskMessage, input json.RawMessage, next Callable) (json.RawMessage, error) {
	return Ok(map[string]bool{"short_circuited": true})
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	called := false
	chain := NewMiddlewareChain().Use(shortCircuitMiddleware{})
	fn := chain.Wrap(TaskMessage{}, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		called = true
		return Ok(struct{}{})
	})

	out, err := fn(context.Background(), nil)
	if err != nil {
		t.Fatalf("fn: %v", err)
	}
	if called {
		t.Error("expected inner callable to be skipped")
	}
	var got map[string]bool
	json.Unmarshal(out, &got)
	if !got["short_circuited"] {
		t.Errorf("expected short-circuit output, got %s", out)
	}
}
