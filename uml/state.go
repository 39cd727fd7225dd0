package uml

import (
	"sync"

	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
)

// StateEvents are raised by a state node hosting a nested machine.
type StateEvents struct {
	SubmachineCreated   event.Source[executable.Machine]
	SubmachineDone      event.Source[executable.Machine]
	SubmachinePaused    event.Source[executable.Machine]
	SubmachineResumed   event.Source[executable.Machine]
	PausableNodeEntered event.Source[executable.PausePoint]
}

// StateNode is a behavioral node that can host a nested machine as its do
// behavior. While the nested machine runs, the node is not live: its
// transition triggers stay disabled and it cannot be exited.
type StateNode struct {
	*BehavioralNode

	stateMu     sync.Mutex
	live        bool
	suspended   bool
	hostSubs    event.Group
	stateEvents StateEvents
}

// NewStateNode returns a state node named name inside container.
func NewStateNode(name, container string, opts ...NodeOption) *StateNode {
	s := newStateNode(name, container)
	s.impl = s
	for _, opt := range opts {
		opt(s.BehavioralNode)
	}
	return s
}

func newStateNode(name, container string) *StateNode {
	return &StateNode{BehavioralNode: newBehavioralNode(name, container)}
}

// StateEvents returns the nested machine notifications.
func (s *StateNode) StateEvents() *StateEvents {
	return &s.stateEvents
}

// IsLive reports whether the outgoing transition triggers are enabled.
func (s *StateNode) IsLive() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.live
}

// Host returns the do behavior when it hosts a nested machine.
func (s *StateNode) Host() (executable.SubmachineHost, bool) {
	host, ok := s.DoBehavior().(executable.SubmachineHost)
	return host, ok
}

// TransitionTo adds a transition to consumer as the next free connector
// slot and returns it.
func (s *StateNode) TransitionTo(consumer Node, opts ...TransitionOption) *Transition {
	t := NewTransition(s.container, s, consumer, append([]TransitionOption{WithTransitionLogger(s.logger)}, opts...)...)
	switch {
	case s.connectors.Finish == nil:
		s.connectors.Finish = t
	case s.connectors.Continue == nil:
		s.connectors.Continue = t
	default:
		s.connectors.Extra = append(s.connectors.Extra, t)
	}
	return t
}

func (s *StateNode) canExit() bool {
	if !s.BehavioralNode.canExit() {
		return false
	}
	if _, ok := s.Host(); ok {
		return s.IsLive()
	}
	return true
}

func (s *StateNode) enableConnectors() {
	s.stateMu.Lock()
	s.suspended = false
	s.stateMu.Unlock()

	host, ok := s.Host()
	if !ok || host.Result() != executable.ResultPending {
		s.enableTransitionTriggers()
		return
	}
	s.subscribeHost(host)
}

// disableConnectors suspends the node. The nested machine subscriptions are
// kept so that its completion is still observed while suspended.
func (s *StateNode) disableConnectors() {
	s.stateMu.Lock()
	s.suspended = true
	wasLive := s.live
	s.live = false
	s.stateMu.Unlock()

	if wasLive {
		s.BehavioralNode.disableConnectors()
	}
}

func (s *StateNode) exited() {
	s.hostSubs.Close()
}

func (s *StateNode) enableTransitionTriggers() {
	s.stateMu.Lock()
	if s.live {
		s.stateMu.Unlock()
		return
	}
	s.live = true
	s.stateMu.Unlock()

	s.BehavioralNode.enableConnectors()
}

func (s *StateNode) subscribeHost(host executable.SubmachineHost) {
	s.hostSubs.Close()
	events := host.SubmachineEvents()
	s.hostSubs.Add(
		events.Created.Subscribe(s.handleSubmachineCreated),
		events.Done.Subscribe(s.handleSubmachineDone),
		events.Paused.Subscribe(func(m executable.Machine) {
			s.stateEvents.SubmachinePaused.SafeEmit(s.logger, "submachine_paused", m)
		}),
		events.Resumed.Subscribe(func(m executable.Machine) {
			s.stateEvents.SubmachineResumed.SafeEmit(s.logger, "submachine_resumed", m)
		}),
		events.PausableNodeEntered.Subscribe(func(p executable.PausePoint) {
			s.stateEvents.PausableNodeEntered.SafeEmit(s.logger, "pausable_node_entered", p)
		}),
	)
}

func (s *StateNode) handleSubmachineCreated(m executable.Machine) {
	s.stateEvents.SubmachineCreated.SafeEmit(s.logger, "submachine_created", m)
}

func (s *StateNode) handleSubmachineDone(m executable.Machine) {
	s.hostSubs.Close()

	if host, ok := s.Host(); ok && host.Result() != executable.ResultFinished {
		s.logger.Debug("nested machine did not finish", "container", s.container, "node", s.name,
			"result", host.Result().String())
	}
	if !s.IsActive() {
		return
	}

	s.stateMu.Lock()
	suspended := s.suspended
	s.stateMu.Unlock()

	if !suspended {
		s.logger.Debug("nested machine done, enabling transition triggers", "container", s.container, "node", s.name)
		s.enableTransitionTriggers()
	}
	s.stateEvents.SubmachineDone.SafeEmit(s.logger, "submachine_done", m)
}

func (s *StateNode) dispose() {
	s.hostSubs.Close()
	s.BehavioralNode.dispose()
}
