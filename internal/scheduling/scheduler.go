// Package scheduling starts workflow runs on a recurring schedule,
// independent of the Worker's own task-polling loop.
package scheduling

import (
	"context"
	"log"
	"time"

	workflows "github.com/Singularity-ng/singularity-workflows"
	"github.com/Singularity-ng/singularity-workflows/tools/schedule"
)

// Scheduler periodically checks a fixed list of Triggers and starts a
// new Run of the named workflow whenever one comes due.
type Scheduler struct {
	store    workflows.Store
	reg      *workflows.Registry
	triggers []schedule.Trigger
	tzOffset int

	nextRun map[int]int64
	fired   map[int]bool // one-shot triggers that already ran
}

// New creates a Scheduler over a fixed trigger list. The trigger list
// is not reloaded at runtime; restart the process to pick up changes.
func New(store workflows.Store, reg *workflows.Registry, triggers []schedule.Trigger, tzOffset int) *Scheduler {
	return &Scheduler{
		store:    store,
		reg:      reg,
		triggers: triggers,
		tzOffset: tzOffset,
		nextRun:  make(map[int]int64),
		fired:    make(map[int]bool),
	}
}

// Run starts the scheduling loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Println(" [sched] scheduler started")
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.checkAndRun(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println(" [sched] scheduler stopped")
			return
		case <-ticker.C:
			s.checkAndRun(ctx)
		}
	}
}

func (s *Scheduler) checkAndRun(ctx context.Context) {
	now := time.Now().Unix()

	for i, trig := range s.triggers {
		if s.fired[i] {
			continue
		}

		next, seen := s.nextRun[i]
		if !seen {
			computed, ok := schedule.ComputeNextRun(trig.Schedule, now, s.tzOffset)
			if !ok {
				log.Printf(" [sched] invalid schedule %q for %s, disabling", trig.Schedule, trig.WorkflowSlug)
				s.fired[i] = true
				continue
			}
			s.nextRun[i] = computed
			continue
		}
		if now < next {
			continue
		}

		log.Printf(" [sched] firing %s (due %s)", trig.WorkflowSlug, schedule.FormatLocalTime(next, s.tzOffset))
		if err := s.fire(ctx, trig); err != nil {
			log.Printf(" [sched] %s: %v", trig.WorkflowSlug, err)
		}

		if schedule.IsOnce(trig.Schedule) {
			s.fired[i] = true
			delete(s.nextRun, i)
			continue
		}
		computed, ok := schedule.ComputeNextRun(trig.Schedule, now, s.tzOffset)
		if !ok {
			computed = now + 86400
		}
		s.nextRun[i] = computed
	}
}

func (s *Scheduler) fire(ctx context.Context, trig schedule.Trigger) error {
	resolved, err := workflows.ResolveFromStore(ctx, s.store, trig.WorkflowSlug, s.reg)
	if err != nil {
		return err
	}
	runID, err := workflows.NewRun(ctx, s.store, resolved, trig.Input)
	if err != nil {
		return err
	}
	log.Printf(" [sched] started run %s for %s", runID, trig.WorkflowSlug)
	return nil
}
