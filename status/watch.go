package status

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nomis52/goactivity/engine"
	"github.com/nomis52/goactivity/event"
	"github.com/nomis52/goactivity/executable"
	"github.com/nomis52/goactivity/uml"
)

// Observable is an executable that reports the node it is in.
type Observable interface {
	executable.Executable
	CurrentNodeChanged() *event.Source[uml.Node]
}

// Watch keeps the status of m in h current until the returned group is
// closed.
func Watch(m Observable, h *Handler) *event.Group {
	id, name := m.ID(), m.Name()
	state := func(state string) func(executable.Executable) {
		return func(executable.Executable) {
			h.update(id, name, func(s *Status) { s.State = state })
		}
	}

	h.update(id, name, func(*Status) {})
	ev := m.Events()
	g := &event.Group{}
	g.Add(
		m.CurrentNodeChanged().Subscribe(func(n uml.Node) {
			h.update(id, name, func(s *Status) {
				s.Node = ""
				if n != nil {
					s.Node = n.Name()
				}
			})
		}),
		ev.Started.Subscribe(state(StateRunning)),
		ev.Finished.Subscribe(state(StateFinished)),
		ev.Expired.Subscribe(state(StateExpired)),
		ev.Interrupted.Subscribe(state(StateInterrupted)),
		ev.Faulted.Subscribe(func(f executable.Fault) {
			h.update(id, name, func(s *Status) {
				s.State = StateFaulted
				if f.Err != nil {
					s.Error = f.Err.Error()
				}
			})
		}),
	)
	return g
}

type tracker struct {
	handler *Handler
	mu      sync.Mutex
	watches map[uuid.UUID]*event.Group
}

// Track watches every observable executable submitted to eng and removes
// its status once it completes. Closing the returned group stops tracking.
func Track(eng *engine.Engine, h *Handler) *event.Group {
	t := &tracker{handler: h, watches: make(map[uuid.UUID]*event.Group)}
	g := &event.Group{}
	g.Add(
		eng.OnExecuting(t.watch),
		eng.OnCompletion(t.forget),
	)
	return g
}

func (t *tracker) watch(x executable.Executable) {
	m, ok := x.(Observable)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watches[m.ID()]; ok {
		return
	}
	t.watches[m.ID()] = Watch(m, t.handler)
}

func (t *tracker) forget(c engine.Completion) {
	t.mu.Lock()
	g := t.watches[c.ID]
	delete(t.watches, c.ID)
	t.mu.Unlock()

	if g != nil {
		g.Close()
	}
	t.handler.Remove(c.ID)
}
