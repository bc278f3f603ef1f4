package engine

import (
	"fmt"

	"github.com/flownet-io/go-flownet/caselog"
	"github.com/flownet-io/go-flownet/enablement"
	"github.com/flownet-io/go-flownet/wfnet"
)

// Engine computes case transitions for one workflow specification.
//
// Commands come in two halves: a Build method makes every decision
// (routing, consume sets, instance spawning, cancellation effects) and
// captures it in a record; Apply replays a record against case state with
// no decisions left to make. Commit and crash recovery run the same Apply,
// which is what makes replay exact.
type Engine struct {
	spec       *wfnet.Specification
	evaluators map[string]*enablement.Evaluator
}

// New creates an Engine for a validated specification. The options are
// forwarded to every net's enablement evaluator.
func New(spec *wfnet.Specification, opts ...enablement.Option) *Engine {
	e := &Engine{
		spec:       spec,
		evaluators: make(map[string]*enablement.Evaluator, 1+len(spec.Subnets)),
	}
	e.evaluators[spec.Root.ID] = enablement.New(spec.Root, opts...)
	for id, net := range spec.Subnets {
		e.evaluators[id] = enablement.New(net, opts...)
	}
	return e
}

// Spec returns the specification the engine executes.
func (e *Engine) Spec() *wfnet.Specification { return e.spec }

// Net returns the net a case executes.
func (e *Engine) Net(netID string) *wfnet.Net { return e.spec.Net(netID) }

// Evaluator returns the enablement evaluator for a net.
func (e *Engine) Evaluator(netID string) *enablement.Evaluator {
	return e.evaluators[netID]
}

// FireableTasks returns the tasks whose join is satisfied in the case's
// current marking. Suspended and terminal cases have none.
func (e *Engine) FireableTasks(c *Case) ([]string, error) {
	if c.Status != StatusRunning {
		return nil, nil
	}
	return e.evaluators[c.NetID].FireableTasks(c.Marking)
}

// BuildLaunch creates the record that starts a case on the given net.
func (e *Engine) BuildLaunch(caseID, netID string, data map[string]any) (*caselog.Record, error) {
	net := e.spec.Net(netID)
	if net == nil {
		return nil, fmt.Errorf("specification %q has no net %q", e.spec.ID, netID)
	}
	rec := caselog.NewRecord(caseID, caselog.KindCaseLaunched)
	rec.SpecID = e.spec.ID
	rec.NetID = netID
	rec.Data = data
	return rec, nil
}

// BuildChildLaunch creates the launch record for a composite task's child
// case, carrying the parent linkage.
func (e *Engine) BuildChildLaunch(childID, netID, parentCaseID, parentInstanceID string, data map[string]any) (*caselog.Record, error) {
	rec, err := e.BuildLaunch(childID, netID, data)
	if err != nil {
		return nil, err
	}
	rec.ParentCaseID = parentCaseID
	rec.ParentTaskID = parentInstanceID
	return rec, nil
}

// BuildFire creates the record for firing a task: tokens to consume per
// the join, instances to spawn (Min for multiple-instance tasks), and
// child case IDs for composite tasks.
func (e *Engine) BuildFire(c *Case, taskID string) (*caselog.Record, error) {
	if c.Status != StatusRunning {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "fire " + taskID}
	}
	net := e.spec.Net(c.NetID)
	t := net.Task(taskID)
	if t == nil {
		return nil, &UnknownTaskError{NetID: c.NetID, TaskID: taskID}
	}

	eval := e.evaluators[c.NetID]
	ok, err := eval.Fireable(t, c.Marking)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &NotFireableError{CaseID: c.ID, TaskID: taskID}
	}
	consumed, err := eval.ConsumeSet(t, c.Marking)
	if err != nil {
		return nil, err
	}

	count := 1
	if t.IsMultiInstance() {
		count = t.Multi.Min
	}

	rec := caselog.NewRecord(c.ID, caselog.KindTaskFired)
	rec.TaskID = taskID
	rec.Consumed = consumed
	for i := 0; i < count; i++ {
		id := caselog.NewInstanceID()
		rec.Instances = append(rec.Instances, id)
		if t.IsComposite() {
			if rec.ChildCases == nil {
				rec.ChildCases = make(map[string]string, count)
			}
			rec.ChildCases[id] = caselog.NewCaseID()
		}
	}
	return rec, nil
}

// BuildAddInstance creates the record adding one dynamic instance to an
// executing multiple-instance task, up to its Max.
func (e *Engine) BuildAddInstance(c *Case, taskID string) (*caselog.Record, error) {
	if c.Status != StatusRunning {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "add instance of " + taskID}
	}
	net := e.spec.Net(c.NetID)
	t := net.Task(taskID)
	if t == nil {
		return nil, &UnknownTaskError{NetID: c.NetID, TaskID: taskID}
	}
	if !t.IsMultiInstance() || !t.Multi.Dynamic {
		return nil, fmt.Errorf("task %q does not accept dynamic instances", taskID)
	}
	prog := c.mi[taskID]
	if prog == nil || len(c.ActiveInstances(taskID)) == 0 {
		return nil, fmt.Errorf("task %q is not executing in case %s", taskID, c.ID)
	}
	if prog.spawned >= t.Multi.Max {
		return nil, fmt.Errorf("task %q already spawned %d of max %d instances",
			taskID, prog.spawned, t.Multi.Max)
	}

	rec := caselog.NewRecord(c.ID, caselog.KindInstanceAdded)
	rec.TaskID = taskID
	rec.InstanceID = caselog.NewInstanceID()
	if t.IsComposite() {
		rec.ChildCases = map[string]string{rec.InstanceID: caselog.NewCaseID()}
	}
	return rec, nil
}

// BuildComplete creates the record for completing an executing instance.
//
// For a plain task this is the task's completion: the cancellation set is
// cleared and the split is routed against the case data merged with
// dataUpdate. For a multiple-instance task the same happens only when this
// completion reaches the threshold, with the remaining siblings cancelled;
// below the threshold an instance_completed record is produced instead.
func (e *Engine) BuildComplete(c *Case, instanceID, completion string, dataUpdate map[string]any) (*caselog.Record, error) {
	// A case in exception accepts completions: retrying (or forcing) the
	// faulted instance is how the exception gets resolved.
	if c.Status != StatusRunning && c.Status != StatusException {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "complete " + instanceID}
	}
	inst := c.Instance(instanceID)
	if inst == nil {
		return nil, &UnknownInstanceError{CaseID: c.ID, InstanceID: instanceID}
	}
	if inst.State != InstanceExecuting {
		return nil, &InstanceStateError{CaseID: c.ID, InstanceID: instanceID, State: inst.State}
	}
	net := e.spec.Net(c.NetID)
	t := net.Task(inst.TaskID)
	if completion == "" {
		completion = caselog.CompletionNormal
	}

	if t.IsMultiInstance() {
		prog := c.mi[t.ID]
		if prog != nil && prog.completed+1 < t.Multi.Threshold {
			rec := caselog.NewRecord(c.ID, caselog.KindInstanceCompleted)
			rec.TaskID = t.ID
			rec.InstanceID = instanceID
			rec.Completion = completion
			rec.Data = dataUpdate
			return rec, nil
		}
	}

	rec := caselog.NewRecord(c.ID, caselog.KindTaskCompleted)
	rec.TaskID = t.ID
	rec.InstanceID = instanceID
	rec.Completion = completion
	rec.Data = dataUpdate

	// Threshold reached: the still-executing siblings are cancelled
	// atomically with the task's completion.
	for _, sibling := range c.ActiveInstances(t.ID) {
		if sibling.ID != instanceID {
			rec.CancelledInstances = append(rec.CancelledInstances, sibling.ID)
		}
	}

	// Clear the cancellation region: marked conditions lose their tokens
	// and executing instances of cancelled tasks are withdrawn.
	for _, id := range t.CancelSet {
		if net.Condition(id) != nil {
			if n := c.Marking.Tokens(id); n > 0 {
				if rec.ClearedConditions == nil {
					rec.ClearedConditions = make(map[string]int)
				}
				rec.ClearedConditions[id] = n
			}
			continue
		}
		for _, victim := range c.ActiveInstances(id) {
			rec.CancelledInstances = append(rec.CancelledInstances, victim.ID)
		}
	}

	data := mergeData(c.Data, dataUpdate)
	routed, err := e.evaluators[c.NetID].Route(t, data)
	if err != nil {
		return nil, err
	}
	rec.Produced = make(map[string]int, len(routed))
	for _, cond := range routed {
		rec.Produced[cond]++
	}
	return rec, nil
}

// BuildSuspend, BuildResume, BuildCancel and BuildException create the
// case lifecycle records.
func (e *Engine) BuildSuspend(c *Case) (*caselog.Record, error) {
	if c.Status != StatusRunning {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "suspend"}
	}
	return caselog.NewRecord(c.ID, caselog.KindCaseSuspended), nil
}

func (e *Engine) BuildResume(c *Case) (*caselog.Record, error) {
	if c.Status != StatusSuspended {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "resume"}
	}
	return caselog.NewRecord(c.ID, caselog.KindCaseResumed), nil
}

func (e *Engine) BuildCancel(c *Case, reason string) (*caselog.Record, error) {
	if c.Status.Terminal() {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "cancel"}
	}
	rec := caselog.NewRecord(c.ID, caselog.KindCaseCancelled)
	rec.Reason = reason
	return rec, nil
}

func (e *Engine) BuildException(c *Case, reason string) (*caselog.Record, error) {
	if c.Status.Terminal() || c.Status == StatusException {
		return nil, &CaseStatusError{CaseID: c.ID, Status: c.Status, Op: "raise exception"}
	}
	rec := caselog.NewRecord(c.ID, caselog.KindCaseException)
	rec.Reason = reason
	return rec, nil
}

// BuildCompleteCase creates the record closing a case whose marking has
// reached the end condition.
func (e *Engine) BuildCompleteCase(c *Case) (*caselog.Record, error) {
	done := e.Completed(c)
	if !done {
		return nil, fmt.Errorf("case %s has not reached its end condition", c.ID)
	}
	return caselog.NewRecord(c.ID, caselog.KindCaseCompleted), nil
}

// Completed reports whether the case's work is done: tokens only in the
// end condition and no executing instances.
func (e *Engine) Completed(c *Case) bool {
	if c.Status != StatusRunning {
		return false
	}
	net := e.spec.Net(c.NetID)
	end := c.Marking.Tokens(net.EndID)
	return end > 0 && c.Marking.Total() == end && len(c.Marking.BusyTasks()) == 0
}

// Deadlocked reports whether a running case can make no further progress:
// not completed, nothing executing, and no fireable task.
func (e *Engine) Deadlocked(c *Case) (bool, error) {
	if c.Status != StatusRunning || e.Completed(c) {
		return false, nil
	}
	if len(c.Marking.BusyTasks()) > 0 {
		return false, nil
	}
	fireable, err := e.FireableTasks(c)
	if err != nil {
		return false, err
	}
	return len(fireable) == 0, nil
}

func mergeData(base, update map[string]any) map[string]any {
	if len(update) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(update))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}
