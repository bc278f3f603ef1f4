package engine

import (
	"fmt"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/marking"
)

// Apply transitions the case by one log record. Records at or below the
// case's current sequence are skipped, so replaying an overlapping log
// prefix is harmless; a record further ahead than the next sequence is an
// error, since state built over a gap would be wrong.
func (e *Engine) Apply(c *Case, rec *caselog.Record) error {
	if rec.Seq <= c.Seq {
		return nil
	}
	if rec.Seq != c.Seq+1 {
		return fmt.Errorf("case %s: record seq %d applied at seq %d", rec.CaseID, rec.Seq, c.Seq)
	}

	var err error
	switch rec.Kind {
	case caselog.KindCaseLaunched:
		err = e.applyLaunch(c, rec)
	case caselog.KindTaskFired:
		err = e.applyFire(c, rec)
	case caselog.KindInstanceAdded:
		err = e.applyInstanceAdded(c, rec)
	case caselog.KindInstanceCompleted:
		err = e.applyInstanceCompleted(c, rec)
	case caselog.KindTaskCompleted:
		err = e.applyTaskCompleted(c, rec)
	case caselog.KindCaseSuspended:
		c.Status = StatusSuspended
	case caselog.KindCaseResumed:
		c.Status = StatusRunning
	case caselog.KindCaseCancelled:
		e.applyTerminal(c, rec, StatusCancelled)
	case caselog.KindCaseCompleted:
		e.applyTerminal(c, rec, StatusCompleted)
	case caselog.KindCaseException:
		// Not terminal: instances and tokens stay put so the fault can
		// be resolved by a retried completion or a cancellation.
		c.Status = StatusException
	default:
		err = fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	if err != nil {
		return fmt.Errorf("case %s: apply seq %d (%s): %w", rec.CaseID, rec.Seq, rec.Kind, err)
	}
	c.Seq = rec.Seq
	return nil
}

func (e *Engine) applyLaunch(c *Case, rec *caselog.Record) error {
	net := e.spec.Net(rec.NetID)
	if net == nil {
		return fmt.Errorf("specification %q has no net %q", e.spec.ID, rec.NetID)
	}
	c.ID = rec.CaseID
	c.SpecID = rec.SpecID
	c.NetID = rec.NetID
	c.ParentCaseID = rec.ParentCaseID
	c.ParentTaskID = rec.ParentTaskID
	c.Status = StatusRunning
	c.Marking = marking.Initial(net.StartID)
	c.Data = mergeData(nil, rec.Data)
	if c.Data == nil {
		c.Data = map[string]any{}
	}
	c.Instances = make(map[string]*Instance)
	c.mi = make(map[string]*miProgress)
	c.StartedAt = rec.Timestamp
	return nil
}

func (e *Engine) applyFire(c *Case, rec *caselog.Record) error {
	for cond, n := range rec.Consumed {
		if err := c.Marking.Remove(cond, n); err != nil {
			return err
		}
	}
	c.Marking.AddBusy(rec.TaskID, len(rec.Instances))
	for _, id := range rec.Instances {
		c.Instances[id] = &Instance{
			ID:          id,
			TaskID:      rec.TaskID,
			State:       InstanceExecuting,
			ChildCaseID: rec.ChildCases[id],
			FiredAt:     rec.Timestamp,
		}
	}
	t := e.spec.Net(c.NetID).Task(rec.TaskID)
	if t != nil && t.IsMultiInstance() {
		c.mi[rec.TaskID] = &miProgress{spawned: len(rec.Instances)}
	}
	return nil
}

func (e *Engine) applyInstanceAdded(c *Case, rec *caselog.Record) error {
	c.Marking.AddBusy(rec.TaskID, 1)
	c.Instances[rec.InstanceID] = &Instance{
		ID:          rec.InstanceID,
		TaskID:      rec.TaskID,
		State:       InstanceExecuting,
		ChildCaseID: rec.ChildCases[rec.InstanceID],
		FiredAt:     rec.Timestamp,
	}
	if prog := c.mi[rec.TaskID]; prog != nil {
		prog.spawned++
	}
	return nil
}

func (e *Engine) applyInstanceCompleted(c *Case, rec *caselog.Record) error {
	inst := c.Instances[rec.InstanceID]
	if inst == nil {
		return &UnknownInstanceError{CaseID: c.ID, InstanceID: rec.InstanceID}
	}
	inst.State = InstanceCompleted
	inst.Completion = rec.Completion
	inst.DoneAt = rec.Timestamp
	if err := c.Marking.RemoveBusy(rec.TaskID, 1); err != nil {
		return err
	}
	if prog := c.mi[rec.TaskID]; prog != nil {
		prog.completed++
	}
	c.Data = mergeData(c.Data, rec.Data)
	if c.Status == StatusException {
		c.Status = StatusRunning
	}
	return nil
}

func (e *Engine) applyTaskCompleted(c *Case, rec *caselog.Record) error {
	inst := c.Instances[rec.InstanceID]
	if inst == nil {
		return &UnknownInstanceError{CaseID: c.ID, InstanceID: rec.InstanceID}
	}
	inst.State = InstanceCompleted
	inst.Completion = rec.Completion
	inst.DoneAt = rec.Timestamp
	if err := c.Marking.RemoveBusy(rec.TaskID, 1); err != nil {
		return err
	}
	if prog := c.mi[rec.TaskID]; prog != nil {
		prog.completed++
	}

	for _, id := range rec.CancelledInstances {
		victim := c.Instances[id]
		if victim == nil {
			return &UnknownInstanceError{CaseID: c.ID, InstanceID: id}
		}
		if victim.State != InstanceExecuting {
			continue
		}
		victim.State = InstanceCancelled
		victim.DoneAt = rec.Timestamp
		if err := c.Marking.RemoveBusy(victim.TaskID, 1); err != nil {
			return err
		}
	}
	for cond, n := range rec.ClearedConditions {
		if err := c.Marking.Remove(cond, n); err != nil {
			return err
		}
	}
	for cond, n := range rec.Produced {
		c.Marking.Add(cond, n)
	}
	c.Data = mergeData(c.Data, rec.Data)
	// A completion that went through resolves a pending exception.
	if c.Status == StatusException {
		c.Status = StatusRunning
	}
	return nil
}

func (e *Engine) applyTerminal(c *Case, rec *caselog.Record, status CaseStatus) {
	c.Status = status
	c.EndedAt = rec.Timestamp
	if status == StatusCancelled {
		for _, inst := range c.Instances {
			if inst.State == InstanceExecuting {
				inst.State = InstanceCancelled
				inst.DoneAt = rec.Timestamp
			}
		}
		// Cancellation discards the whole marking: tokens and executing
		// entries alike.
		for _, id := range c.Marking.MarkedConditions() {
			c.Marking.Clear(id)
		}
		for _, id := range c.Marking.BusyTasks() {
			c.Marking.ClearBusy(id)
		}
	}
}

// Rebuild replays a case's full log into a fresh Case. The first record
// must be the launch.
func (e *Engine) Rebuild(recs []*caselog.Record) (*Case, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("empty case log")
	}
	if recs[0].Kind != caselog.KindCaseLaunched {
		return nil, fmt.Errorf("case %s: log starts with %s, not %s",
			recs[0].CaseID, recs[0].Kind, caselog.KindCaseLaunched)
	}
	c := &Case{Seq: -1}
	for _, rec := range recs {
		if err := e.Apply(c, rec); err != nil {
			return nil, err
		}
	}
	return c, nil
}
