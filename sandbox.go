package workflows

import (
	"context"
	"encoding/json"
)

// StepRunner executes a step's callable out of process — e.g. inside a
// container (sandbox/docker) — instead of invoking an in-memory
// Callable directly. callableRef identifies which image/command to run;
// the Worker never interprets it itself.
type StepRunner interface {
	Run(ctx context.Context, callableRef string, input json.RawMessage) (json.RawMessage, error)
}
