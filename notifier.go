package workflows

import "context"

// Notifier receives a RunSummary when a Run fails. The Worker calls
// Notify at most once per run, from the task whose FailTask call marked
// the run failed. Runs that complete are not reported, and neither are
// runs failed by a type violation inside CompleteTask.
// Implementations must be safe for concurrent use and must not block
// the caller for long — forward to a queue or buffered channel if the
// downstream sink is slow.
type Notifier interface {
	Notify(ctx context.Context, summary RunSummary)
}

// NotifierFunc adapts a plain function to a Notifier.
type NotifierFunc func(ctx context.Context, summary RunSummary)

func (f NotifierFunc) Notify(ctx context.Context, summary RunSummary) { f(ctx, summary) }

// ChanNotifier forwards every RunSummary onto a buffered channel,
// dropping it (rather than blocking the Worker) if the channel is full.
type ChanNotifier struct {
	ch chan RunSummary
}

// NewChanNotifier returns a ChanNotifier with the given buffer size.
func NewChanNotifier(buffer int) *ChanNotifier {
	return &ChanNotifier{ch: make(chan RunSummary, buffer)}
}

// C returns the channel summaries are delivered on.
func (n *ChanNotifier) C() <-chan RunSummary { return n.ch }

func (n *ChanNotifier) Notify(_ context.Context, summary RunSummary) {
	select {
	case n.ch <- summary:
	default:
	}
}
