package wfnet

// Builder provides a fluent API for constructing workflow nets in code.
// Condition and task declarations may appear in any order; flows reference
// elements by ID and are checked by Validate.
//
// Example:
//
//	net, err := wfnet.Build("claims", "Claim handling").
//	    Start("start").
//	    Condition("c1").
//	    Condition("c2").
//	    End("end").
//	    Task("register", JoinXOR, SplitAND, In("start"), Out("c1"), Out("c2")).
//	    Task("settle", JoinAND, SplitXOR, In("c1"), In("c2"),
//	        OutIf("end", wfnet.ExprPredicate{Expr: "approved"}),
//	        OutDefault("end")).
//	    Done()
type Builder struct {
	net  *Net
	errs []error
}

// Build creates a new Builder for the net with the given ID and name.
func Build(id, name string) *Builder {
	return &Builder{net: NewNet(id, name)}
}

// Start declares the unique start condition.
func (b *Builder) Start(id string) *Builder {
	b.add(b.net.AddCondition(&Condition{ID: id, Start: true}))
	return b
}

// End declares the unique end condition.
func (b *Builder) End(id string) *Builder {
	b.add(b.net.AddCondition(&Condition{ID: id, End: true}))
	return b
}

// Condition declares an ordinary condition.
func (b *Builder) Condition(id string) *Builder {
	b.add(b.net.AddCondition(&Condition{ID: id}))
	return b
}

// TaskOption configures a task declared through the builder.
type TaskOption func(*Task)

// In appends an input condition, preserving declaration order.
func In(conditionID string) TaskOption {
	return func(t *Task) { t.Inputs = append(t.Inputs, conditionID) }
}

// Out appends an unconditional outgoing flow.
func Out(conditionID string) TaskOption {
	return func(t *Task) { t.Flows = append(t.Flows, Flow{To: conditionID}) }
}

// OutIf appends an outgoing flow guarded by a routing predicate.
func OutIf(conditionID string, p Predicate) TaskOption {
	return func(t *Task) { t.Flows = append(t.Flows, Flow{To: conditionID, Predicate: p}) }
}

// OutDefault appends the default flow taken when no predicate matches.
func OutDefault(conditionID string) TaskOption {
	return func(t *Task) { t.Flows = append(t.Flows, Flow{To: conditionID, Default: true}) }
}

// Cancels adds elements to the task's cancellation set.
func Cancels(ids ...string) TaskOption {
	return func(t *Task) { t.CancelSet = append(t.CancelSet, ids...) }
}

// Instances attaches a multiple-instance descriptor.
func Instances(min, max, threshold int, dynamic bool) TaskOption {
	return func(t *Task) {
		t.Multi = &MultiInstance{Min: min, Max: max, Threshold: threshold, Dynamic: dynamic}
	}
}

// Subnet marks the task composite, running the named subnet as a child case.
func Subnet(netID string) TaskOption {
	return func(t *Task) { t.SubnetID = netID }
}

// Task declares a task with the given join and split decorators.
func (b *Builder) Task(id string, join JoinType, split SplitType, opts ...TaskOption) *Builder {
	t := &Task{ID: id, Name: id, Join: join, Split: split}
	for _, opt := range opts {
		opt(t)
	}
	b.add(b.net.AddTask(t))
	return b
}

func (b *Builder) add(err error) {
	if err != nil {
		b.errs = append(b.errs, err)
	}
}

// Done validates the constructed net and returns it.
func (b *Builder) Done() (*Net, error) {
	for _, err := range b.errs {
		return nil, err
	}
	if err := b.net.Validate(); err != nil {
		return nil, err
	}
	return b.net, nil
}

// MustDone is Done for tests and examples; it panics on error.
func (b *Builder) MustDone() *Net {
	n, err := b.Done()
	if err != nil {
		panic(err)
	}
	return n
}
