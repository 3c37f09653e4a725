package persistence

import (
	"github.com/apm-auto/coordinator/internal/eventbus"
	"github.com/apm-auto/coordinator/internal/statemachine"
)

// AttachEventBus wires the bus transitions are published on after commit,
// and registers the store as its historical-replay collaborator. Mirrors
// the event bus being passed into persistence.Open.
func (s *Store) AttachEventBus(bus *eventbus.Bus) {
	s.bus = bus
	if bus != nil {
		bus.SetTransitionReader(s)
	}
}

var (
	agentMachine = statemachine.NewAgentMachine()
	taskMachine  = statemachine.NewTaskMachine()
)
