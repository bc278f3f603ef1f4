package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/engine"
	"github.com/flownet-io/go-flownet/metrics"
)

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Restored int
	Terminal int
	Corrupt  []string
}

// Recover replays every case in the store and restores the live ones.
// Corruption is contained per case: a case whose log cannot be replayed is
// reported and skipped, the rest recover normally.
//
// After replay, each running case is settled again: a crash between a
// completion commit and the closing case_completed record leaves the case
// at its end condition, and settling writes the missing record. Completed
// child cases whose parent instance is still executing get their
// completion re-propagated the same way.
func (co *Coordinator) Recover(ctx context.Context) (*RecoveryReport, error) {
	ids, err := co.store.Cases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}

	report := &RecoveryReport{}
	var pending []followUp
	var orphans []*engine.Case

	for _, id := range ids {
		recs, err := co.store.Read(ctx, id, 0)
		if err != nil {
			var corrupt *caselog.CorruptLogError
			if errors.As(err, &corrupt) {
				co.logger.Error("case log corrupt, skipping", "case_id", id, "seq", corrupt.Seq, "error", corrupt.Err)
				metrics.RecoveredCases.WithLabelValues("corrupt").Inc()
				report.Corrupt = append(report.Corrupt, id)
				continue
			}
			return nil, fmt.Errorf("read case %s: %w", id, err)
		}
		c, err := co.engine.Rebuild(recs)
		if err != nil {
			co.logger.Error("case replay failed, skipping", "case_id", id, "error", err)
			metrics.RecoveredCases.WithLabelValues("corrupt").Inc()
			report.Corrupt = append(report.Corrupt, id)
			continue
		}

		if c.Status.Terminal() {
			report.Terminal++
			if c.Status == engine.StatusCompleted && c.ParentCaseID != "" {
				orphans = append(orphans, c)
			}
			continue
		}

		h := co.cases.put(c)
		metrics.ActiveCases.Inc()
		metrics.RecoveredCases.WithLabelValues("restored").Inc()
		report.Restored++

		h.mu.Lock()
		fus, err := co.settle(ctx, h)
		h.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("settle case %s: %w", id, err)
		}
		pending = append(pending, fus...)
	}

	// Re-propagate completions the crash swallowed.
	for _, c := range orphans {
		h := co.cases.get(c.ParentCaseID)
		if h == nil {
			continue
		}
		h.mu.Lock()
		inst := h.c.Instance(c.ParentTaskID)
		executing := inst != nil && inst.State == engine.InstanceExecuting
		h.mu.Unlock()
		if !executing {
			continue
		}
		parentID, instanceID, data := c.ParentCaseID, c.ParentTaskID, c.Data
		pending = append(pending, func(ctx context.Context) error {
			err := co.CompleteTask(ctx, parentID, instanceID, caselog.CompletionNormal, data)
			if err != nil && !errors.Is(err, ErrUnknownCase) {
				return fmt.Errorf("re-propagate completion to case %s: %w", parentID, err)
			}
			return nil
		})
	}

	if err := co.runFollowUps(ctx, pending); err != nil {
		return nil, err
	}
	co.logger.Info("recovery finished",
		"restored", report.Restored, "terminal", report.Terminal, "corrupt", len(report.Corrupt))
	return report, nil
}
