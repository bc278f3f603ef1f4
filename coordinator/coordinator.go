// Package coordinator serializes all access to case state and ties the
// kernel together: commands go through the engine to become records, are
// appended to the transaction log, and only then applied in memory.
//
// Each case has one lock; every operation on a case runs under it, so the
// log's sequence check can only fail when an external writer shares the
// store. Cross-case work (launching a composite child, propagating its
// completion to the parent, cascading a cancellation) runs after the
// originating case's lock is released, so locks never nest.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/enablement"
	"github.com/flownet-io/go-flownet/engine"
	"github.com/flownet-io/go-flownet/events"
	"github.com/flownet-io/go-flownet/metrics"
)

// ErrUnknownCase reports a case ID the coordinator does not hold.
var ErrUnknownCase = errors.New("unknown case")

// Coordinator executes workflow cases against a transaction log.
type Coordinator struct {
	engine *engine.Engine
	store  caselog.Store
	bus    *events.Bus
	logger *slog.Logger

	cases *caseTable
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBus attaches an event bus; kernel events are published to it.
func WithBus(b *events.Bus) Option {
	return func(co *Coordinator) { co.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// New creates a Coordinator over an engine and a log store.
func New(eng *engine.Engine, store caselog.Store, opts ...Option) *Coordinator {
	co := &Coordinator{
		engine: eng,
		store:  store,
		logger: slog.Default(),
		cases:  newCaseTable(),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Launch starts a new case of the root net and returns its ID.
func (co *Coordinator) Launch(ctx context.Context, data map[string]any) (string, error) {
	return co.launch(ctx, caselog.NewCaseID(), co.engine.Spec().Root.ID, "", "", data)
}

func (co *Coordinator) launch(ctx context.Context, caseID, netID, parentCaseID, parentInstanceID string, data map[string]any) (string, error) {
	var rec *caselog.Record
	var err error
	if parentCaseID == "" {
		rec, err = co.engine.BuildLaunch(caseID, netID, data)
	} else {
		rec, err = co.engine.BuildChildLaunch(caseID, netID, parentCaseID, parentInstanceID, data)
	}
	if err != nil {
		return "", err
	}

	c := &engine.Case{Seq: -1}
	if err := co.commit(ctx, c, rec); err != nil {
		return "", err
	}
	offered, _ := co.engine.FireableTasks(c)
	co.cases.put(c)
	metrics.ActiveCases.Inc()

	co.publish(&events.Event{Type: events.CaseLaunched, CaseID: caseID, Seq: c.Seq})
	co.publishOffered(caseID, nil, offered, maps.Clone(c.Data))
	co.logger.Info("case launched", "case_id", caseID, "net_id", netID, "parent_case_id", parentCaseID)
	return caseID, nil
}

// FireTask fires a fireable task in a case and returns the spawned
// instance IDs. Composite tasks get their child cases launched before the
// call returns.
func (co *Coordinator) FireTask(ctx context.Context, caseID, taskID string) ([]string, error) {
	h, err := co.handle(caseID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	before, _ := co.engine.FireableTasks(h.c)
	rec, err := co.engine.BuildFire(h.c, taskID)
	if err == nil {
		err = co.commit(ctx, h.c, rec)
	}
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	after, _ := co.engine.FireableTasks(h.c)
	data := maps.Clone(h.c.Data)
	seq := h.c.Seq
	netID := h.c.NetID
	h.mu.Unlock()

	metrics.TaskFirings.WithLabelValues(taskID).Inc()
	co.publish(&events.Event{Type: events.TaskFired, CaseID: caseID, TaskID: taskID, Seq: seq})
	co.publishOffered(caseID, before, after, data)
	co.publish(&events.Event{Type: events.WorkItemsChanged, CaseID: caseID})

	// Child cases launch outside the parent's lock.
	if t := co.engine.Net(netID).Task(taskID); t != nil && t.IsComposite() {
		for instanceID, childID := range rec.ChildCases {
			if _, err := co.launch(ctx, childID, t.SubnetID, caseID, instanceID, nil); err != nil {
				return rec.Instances, fmt.Errorf("launch child case for %s: %w", instanceID, err)
			}
		}
	}
	return rec.Instances, nil
}

// CompleteTask completes an executing instance, merging dataUpdate into
// the case data. Completion kind defaults to normal; timeouts and forced
// completions pass their kind through.
func (co *Coordinator) CompleteTask(ctx context.Context, caseID, instanceID, completion string, dataUpdate map[string]any) error {
	h, err := co.handle(caseID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	before, _ := co.engine.FireableTasks(h.c)
	rec, err := co.engine.BuildComplete(h.c, instanceID, completion, dataUpdate)
	if err == nil {
		err = co.commit(ctx, h.c, rec)
	}
	if err != nil {
		co.raiseRoutingFault(ctx, h, err)
		h.mu.Unlock()
		return err
	}

	followUps, err := co.settle(ctx, h)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	after, _ := co.engine.FireableTasks(h.c)
	data := maps.Clone(h.c.Data)
	seq := h.c.Seq
	h.mu.Unlock()

	metrics.TaskCompletions.WithLabelValues(rec.Completion).Inc()
	co.publish(&events.Event{Type: events.TaskCompleted, CaseID: caseID,
		TaskID: rec.TaskID, InstanceID: instanceID, Seq: seq})
	co.publishOffered(caseID, before, after, data)
	co.publish(&events.Event{Type: events.WorkItemsChanged, CaseID: caseID})

	// Children of instances cancelled by this completion are withdrawn.
	for _, cancelledID := range rec.CancelledInstances {
		if childID := co.childCaseOf(caseID, cancelledID); childID != "" {
			if err := co.CancelCase(ctx, childID, "parent instance cancelled"); err != nil && !benign(err) {
				return err
			}
		}
	}
	return co.runFollowUps(ctx, followUps)
}

// AddInstance adds a dynamic instance to an executing multiple-instance
// task and returns the new instance ID.
func (co *Coordinator) AddInstance(ctx context.Context, caseID, taskID string) (string, error) {
	h, err := co.handle(caseID)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	rec, err := co.engine.BuildAddInstance(h.c, taskID)
	if err == nil {
		err = co.commit(ctx, h.c, rec)
	}
	if err != nil {
		h.mu.Unlock()
		return "", err
	}
	netID := h.c.NetID
	h.mu.Unlock()

	co.publish(&events.Event{Type: events.InstanceAdded, CaseID: caseID,
		TaskID: taskID, InstanceID: rec.InstanceID})

	if t := co.engine.Net(netID).Task(taskID); t != nil && t.IsComposite() {
		if childID := rec.ChildCases[rec.InstanceID]; childID != "" {
			if _, err := co.launch(ctx, childID, t.SubnetID, caseID, rec.InstanceID, nil); err != nil {
				return rec.InstanceID, err
			}
		}
	}
	return rec.InstanceID, nil
}

// CancelCase cancels a case and, recursively, the child cases of its
// executing composite instances. Cancelling an already-cancelled case is
// a no-op.
func (co *Coordinator) CancelCase(ctx context.Context, caseID, reason string) error {
	h, err := co.handle(caseID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.c.Status == engine.StatusCancelled {
		h.mu.Unlock()
		return nil
	}
	var children []string
	for _, inst := range h.c.ActiveInstances("") {
		if inst.ChildCaseID != "" {
			children = append(children, inst.ChildCaseID)
		}
	}
	rec, err := co.engine.BuildCancel(h.c, reason)
	if err == nil {
		err = co.commit(ctx, h.c, rec)
	}
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	metrics.CasesTotal.WithLabelValues("cancelled").Inc()
	metrics.ActiveCases.Dec()
	co.publish(&events.Event{Type: events.CaseCancelled, CaseID: caseID, Reason: reason})
	co.logger.Info("case cancelled", "case_id", caseID, "reason", reason)

	for _, childID := range children {
		if err := co.CancelCase(ctx, childID, "parent case cancelled"); err != nil && !benign(err) {
			return err
		}
	}
	return nil
}

// benign filters the races a cascade can legitimately lose: the target
// case is gone or already terminal.
// raiseRoutingFault moves a case into exception status when a completion
// failed because no outgoing route matched the case data, or because a
// routing predicate could not be evaluated at all. The instance stays
// recorded as executing; the exception is resolved by retrying the
// completion with corrected data, forcing it, or cancelling the case.
// Called with the case lock held.
func (co *Coordinator) raiseRoutingFault(ctx context.Context, h *caseHandle, cause error) {
	var noRoute *enablement.NoRouteSelectedError
	var badPred *enablement.PredicateError
	if !errors.As(cause, &noRoute) && !errors.As(cause, &badPred) {
		return
	}
	rec, err := co.engine.BuildException(h.c, cause.Error())
	if err != nil {
		return
	}
	if err := co.commit(ctx, h.c, rec); err != nil {
		co.logger.Error("record routing fault", "case_id", h.c.ID, "error", err)
		return
	}
	metrics.CaseExceptions.Inc()
	co.publish(&events.Event{Type: events.CaseException, CaseID: h.c.ID, Reason: rec.Reason})
	co.logger.Warn("routing fault", "case_id", h.c.ID, "error", cause)
}

func benign(err error) bool {
	var statusErr *engine.CaseStatusError
	return errors.Is(err, ErrUnknownCase) || errors.As(err, &statusErr)
}

// SuspendCase pauses a running case; fire and complete are rejected until
// ResumeCase.
func (co *Coordinator) SuspendCase(ctx context.Context, caseID string) error {
	err := co.lifecycle(ctx, caseID, co.engine.BuildSuspend)
	if err == nil {
		co.publish(&events.Event{Type: events.CaseSuspended, CaseID: caseID})
	}
	return err
}

// ResumeCase resumes a suspended case. The tasks fireable again are
// re-offered through work-item events.
func (co *Coordinator) ResumeCase(ctx context.Context, caseID string) error {
	err := co.lifecycle(ctx, caseID, co.engine.BuildResume)
	if err != nil {
		return err
	}
	co.publish(&events.Event{Type: events.CaseResumed, CaseID: caseID})
	if h := co.cases.get(caseID); h != nil {
		h.mu.Lock()
		offered, _ := co.engine.FireableTasks(h.c)
		data := maps.Clone(h.c.Data)
		h.mu.Unlock()
		co.publishOffered(caseID, nil, offered, data)
	}
	return nil
}

func (co *Coordinator) lifecycle(ctx context.Context, caseID string, build func(*engine.Case) (*caselog.Record, error)) error {
	h, err := co.handle(caseID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, err := build(h.c)
	if err != nil {
		return err
	}
	return co.commit(ctx, h.c, rec)
}

// commit appends one record at the case's expected sequence and applies
// it. Append happens strictly before apply: a crash between the two loses
// nothing, since recovery replays the record.
func (co *Coordinator) commit(ctx context.Context, c *engine.Case, rec *caselog.Record) error {
	start := time.Now()
	seq, err := co.store.Append(ctx, rec.CaseID, c.Seq, []*caselog.Record{rec})
	metrics.AppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("append %s for case %s: %w", rec.Kind, rec.CaseID, err)
	}
	rec.Seq = seq
	return co.engine.Apply(c, rec)
}

// followUp is cross-case work queued to run after the current case's lock
// is released.
type followUp func(ctx context.Context) error

// settle closes out a case that has reached its end condition or can make
// no further progress. Called with the case lock held; returns work to run
// after unlock.
func (co *Coordinator) settle(ctx context.Context, h *caseHandle) ([]followUp, error) {
	c := h.c
	if co.engine.Completed(c) {
		rec, err := co.engine.BuildCompleteCase(c)
		if err != nil {
			return nil, err
		}
		if err := co.commit(ctx, c, rec); err != nil {
			return nil, err
		}
		metrics.CasesTotal.WithLabelValues("completed").Inc()
		metrics.ActiveCases.Dec()
		co.publish(&events.Event{Type: events.CaseCompleted, CaseID: c.ID})
		co.logger.Info("case completed", "case_id", c.ID)

		if c.ParentCaseID != "" {
			parentID, parentInstance, data := c.ParentCaseID, c.ParentTaskID, c.Data
			return []followUp{func(ctx context.Context) error {
				err := co.CompleteTask(ctx, parentID, parentInstance, caselog.CompletionNormal, data)
				if err != nil && !errors.Is(err, ErrUnknownCase) {
					return fmt.Errorf("propagate completion to case %s: %w", parentID, err)
				}
				return nil
			}}, nil
		}
		return nil, nil
	}

	dead, err := co.engine.Deadlocked(c)
	if err != nil {
		return nil, err
	}
	if dead {
		rec, err := co.engine.BuildException(c, "no fireable task and no executing instance")
		if err != nil {
			return nil, err
		}
		if err := co.commit(ctx, c, rec); err != nil {
			return nil, err
		}
		metrics.CaseExceptions.Inc()
		co.publish(&events.Event{Type: events.CaseException, CaseID: c.ID, Reason: rec.Reason})
		co.logger.Warn("case deadlocked", "case_id", c.ID, "marking", c.Marking.String())
	}
	return nil, nil
}

func (co *Coordinator) runFollowUps(ctx context.Context, fus []followUp) error {
	for _, fu := range fus {
		if err := fu(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (co *Coordinator) childCaseOf(caseID, instanceID string) string {
	h, err := co.handle(caseID)
	if err != nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if inst := h.c.Instance(instanceID); inst != nil {
		return inst.ChildCaseID
	}
	return ""
}

func (co *Coordinator) handle(caseID string) (*caseHandle, error) {
	h := co.cases.get(caseID)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCase, caseID)
	}
	return h, nil
}

// publishOffered emits one work-item event per task that became fireable,
// carrying the case data the task will see when fired.
func (co *Coordinator) publishOffered(caseID string, before, after []string, data map[string]any) {
	was := make(map[string]bool, len(before))
	for _, id := range before {
		was[id] = true
	}
	for _, id := range after {
		if was[id] {
			continue
		}
		co.publish(&events.Event{Type: events.WorkItemEnabled, CaseID: caseID, TaskID: id, Fields: data})
	}
}

func (co *Coordinator) publish(ev *events.Event) {
	if co.bus != nil {
		co.bus.Publish(ev)
	}
}

// Close releases the store.
func (co *Coordinator) Close() error {
	return co.store.Close()
}
