package machine

import (
	"fmt"

	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/uml"
)

// BeginEditing allows assembly. It has no effect once the machine has been
// assembled.
func (m *Machine) BeginEditing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.assembled {
		m.editable = true
	}
}

// StopEditing ends assembly. A last conditional node without a continue
// transition gets one to the final node carrying its continue constraint,
// next to its finish transition.
func (m *Machine) StopEditing() {
	m.mu.Lock()
	editable := m.editable
	last := m.last
	final := m.final
	m.editable = false
	m.assembled = true
	m.mu.Unlock()

	if !editable {
		return
	}
	c, ok := last.(conditional)
	if !ok || last.Connectors().Continue != nil {
		return
	}

	guard := m.defaultContinue.Copy()
	if cc := c.ContinueConstraint(); cc != nil {
		guard = guard.AndWith(cc)
	}
	t := m.newTransition(last, final, uml.WithGuard(guard), uml.WithEffect(m.finishEffect))
	last.Connectors().Continue = t
}

// AddNode appends n to the chain. inbound, if not nil, is additionally
// required by the continue transition entering n.
func (m *Machine) AddNode(n uml.Node, inbound uml.Constraint) error {
	m.mu.Lock()
	if !m.editable {
		m.mu.Unlock()
		return ErrNotEditable
	}
	previous := m.last
	m.last = n
	m.nodes = append(m.nodes, n)
	m.mu.Unlock()

	m.subscribeNode(n)
	m.addFinishTransition(n)
	if _, ok := n.(conditional); ok {
		n.Connectors().Quit = m.newTransition(n, m.FinalNode(),
			uml.WithGuard(uml.Never()),
			uml.WithEffect(executable.Do("SetCompletionCauseInterrupted", func() {
				m.setCause(CauseInterrupted, nil)
			}, executable.WithLogger(m.logger))))
	}

	if previous == nil {
		return nil
	}
	guard := andGuard(m.defaultContinue.Copy(), inbound)
	if c, ok := previous.(conditional); ok {
		if cc := c.ContinueConstraint(); cc != nil {
			guard = guard.AndWith(cc)
		}
	}
	previous.Connectors().Continue = m.newTransition(previous, n, uml.WithGuard(guard))
	return nil
}

// AddActivity appends a node running behavior that continues as soon as it
// has run. The node is named after the behavior, or ActivityN.
func (m *Machine) AddActivity(behavior executable.Executable) error {
	if !m.IsEditable() {
		return ErrNotEditable
	}
	m.mu.Lock()
	m.activityCount++
	name := fmt.Sprintf("Activity%d", m.activityCount)
	m.mu.Unlock()

	if behavior != nil && behavior.Name() != "" {
		name = behavior.Name()
	}
	return m.AddNode(uml.NewActivityNode(name, m.Name(), behavior, uml.WithNodeLogger(m.logger)), nil)
}

// AddContinueCondition appends a wait point that continues only once
// condition holds. overriding replaces the machine runtime triggers for the
// transitions leaving the node.
func (m *Machine) AddContinueCondition(condition uml.Constraint, overriding ...*uml.Trigger) error {
	if !m.IsEditable() {
		return ErrNotEditable
	}
	m.mu.Lock()
	name := fmt.Sprintf("Condition%d", m.waitCount+1)
	m.mu.Unlock()

	if condition != nil && condition.Name() != "" {
		name = condition.Name()
	}
	return m.AddNamedContinueCondition(name, condition, overriding...)
}

// AddNamedContinueCondition is AddContinueCondition with an explicit node
// name.
func (m *Machine) AddNamedContinueCondition(name string, condition uml.Constraint, overriding ...*uml.Trigger) error {
	_, err := m.addWaitPoint(name, condition, overriding)
	return err
}

func (m *Machine) addWaitPoint(name string, condition uml.Constraint, overriding []*uml.Trigger) (*uml.ConditionalNode, error) {
	if !m.IsEditable() {
		return nil, ErrNotEditable
	}
	m.mu.Lock()
	m.waitCount++
	m.mu.Unlock()

	node := uml.NewConditionalNode(name, m.Name(), condition, uml.WithNodeLogger(m.logger))
	node.AddOverridingTriggers(overriding...)
	if err := m.AddNode(node, nil); err != nil {
		return nil, err
	}
	return node, nil
}

// AddConditionalActivity appends a wait point on condition followed by an
// activity running behavior.
func (m *Machine) AddConditionalActivity(condition uml.Constraint, behavior executable.Executable, overriding ...*uml.Trigger) error {
	if err := m.AddContinueCondition(condition, overriding...); err != nil {
		return err
	}
	return m.AddActivity(behavior)
}

// AddQuitOrContinueCondition appends a wait point that continues on
// continueCondition and quits the machine as Interrupted on quitCondition.
func (m *Machine) AddQuitOrContinueCondition(quitCondition, continueCondition uml.Constraint, overriding ...*uml.Trigger) error {
	node, err := m.addWaitPoint("QUIT: "+constraintName(quitCondition), continueCondition, overriding)
	if err != nil {
		return err
	}
	if quitCondition != nil {
		node.Connectors().Quit.SetGuard(quitCondition)
	}
	return nil
}

// AddFinishOrContinueCondition appends a wait point that continues on
// continueCondition and finishes the machine on finishCondition.
func (m *Machine) AddFinishOrContinueCondition(finishCondition, continueCondition uml.Constraint, overriding ...*uml.Trigger) error {
	node, err := m.addWaitPoint("FINISH: "+constraintName(finishCondition), continueCondition, overriding)
	if err != nil {
		return err
	}
	if finishCondition != nil {
		finish := node.Connectors().Finish
		finish.SetGuard(orGuard(finish.Guard(), finishCondition))
	}
	return nil
}

// UseLockOnResource declares a resource held while the machine runs. It
// must be called before Execute.
func (m *Machine) UseLockOnResource(r Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editable {
		return ErrLocksWhileEditing
	}
	if r == nil {
		return nil
	}
	m.resources = append(m.resources, r)
	m.requiresLocking = true
	return nil
}

// Resources returns the declared resources.
func (m *Machine) Resources() []Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Resource(nil), m.resources...)
}

// UseRuntimeTrigger adds a trigger that re-evaluates every transition of
// the machine, except those leaving nodes with overriding triggers.
func (m *Machine) UseRuntimeTrigger(t *uml.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.editable {
		return ErrNotEditable
	}
	if t != nil {
		m.runtimeTriggers = append(m.runtimeTriggers, t)
	}
	return nil
}

// UseFinalExitBehavior runs behavior when the machine reaches its final
// node, whichever way it completes.
func (m *Machine) UseFinalExitBehavior(behavior executable.Executable) error {
	m.mu.Lock()
	editable, final := m.editable, m.final
	m.mu.Unlock()
	if !editable {
		return ErrNotEditable
	}
	final.SetDoBehavior(behavior)
	return nil
}

// UseAdditionalFinishCondition ORs condition onto every finish transition.
func (m *Machine) UseAdditionalFinishCondition(condition uml.Constraint) {
	if condition == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extraFinish == nil {
		m.extraFinish = condition.Copy()
		return
	}
	m.extraFinish = m.extraFinish.OrWith(condition)
}

// UseAdditionalQuitCondition ORs condition onto every quit transition.
func (m *Machine) UseAdditionalQuitCondition(condition uml.Constraint) {
	if condition == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.extraQuit == nil {
		m.extraQuit = condition.Copy()
		return
	}
	m.extraQuit = m.extraQuit.OrWith(condition)
}

// UseExecuteTrigger delays execution until t trips. The trigger is enabled
// once something subscribes to OnExecuteRequested.
func (m *Machine) UseExecuteTrigger(t *uml.Trigger) {
	if t == nil {
		return
	}
	t.OnTripped(func() {
		if m.State() != NotStarted {
			return
		}
		m.logger.Debug("execute trigger tripped", "trigger", t.Name())
		m.RequestExecution()
	})

	m.mu.Lock()
	m.executeTriggers = append(m.executeTriggers, t)
	m.mu.Unlock()

	if m.executeRequested.Len() > 0 {
		t.Enable()
	}
}

func (m *Machine) newTransition(supplier, consumer uml.Node, opts ...uml.TransitionOption) *uml.Transition {
	t := uml.NewTransition(m.Name(), supplier, consumer, append([]uml.TransitionOption{uml.WithTransitionLogger(m.logger)}, opts...)...)
	m.subs.Add(t.Fired().Subscribe(m.handleTransitionFired))
	return t
}

func (m *Machine) addFinishTransition(n uml.Node) {
	n.Connectors().Finish = m.newTransition(n, m.FinalNode(),
		uml.WithGuard(m.defaultFinish.Copy()),
		uml.WithEffect(m.finishEffect),
		uml.WithTriggers(m.finishTrigger.Copy()))
}

func (m *Machine) subscribeNode(n uml.Node) {
	events := n.Events()
	m.subs.Add(
		events.Entered.Subscribe(func(o uml.Origin) { m.handleNodeEntered(n, o) }),
		events.Faulted.Subscribe(m.handleNodeFaulted),
		events.TimedOut.Subscribe(m.handleNodeTimedOut),
	)

	s, ok := n.(stateful)
	if !ok {
		return
	}
	se := s.StateEvents()
	m.subs.Add(
		se.SubmachineDone.Subscribe(func(executable.Machine) { m.runToCompletion() }),
		se.SubmachinePaused.Subscribe(func(executable.Machine) { m.pauseLocal() }),
		se.SubmachineResumed.Subscribe(func(executable.Machine) { m.resumeLocal() }),
		se.PausableNodeEntered.Subscribe(func(p executable.PausePoint) {
			m.pausableEntered.SafeEmit(m.logger, "pausable_node_entered", p)
		}),
	)
}

func constraintName(c uml.Constraint) string {
	if c == nil {
		return "none"
	}
	return c.Name()
}
