package state

import (
	"fmt"
	"log"
	"sync"
)

// Phase is the conversation phase. Exactly one is current at any time.
type Phase int

const (
	Idle Phase = iota
	Listening
	Thinking
	Speaking
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// transitions is the full legal-transition table. Anything absent is illegal.
var transitions = map[Phase][]Phase{
	Idle:      {Listening},
	Listening: {Thinking, Idle, Error},
	Thinking:  {Speaking, Listening, Idle, Error},
	Speaking:  {Listening, Idle, Error},
	Error:     {Idle, Listening},
}

// Machine is the single authoritative tracker of conversation phase. Every
// component that changes phase must go through Transition; no component may
// hold its own "is active" mirror.
type Machine struct {
	mu       sync.Mutex
	phase    Phase
	onChange func(from, to Phase, reason string)
}

// NewMachine starts in Idle. onChange, if non-nil, is invoked after every
// applied transition, outside the machine's lock.
func NewMachine(onChange func(from, to Phase, reason string)) *Machine {
	return &Machine{phase: Idle, onChange: onChange}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves the machine to the given phase. Illegal transitions are
// rejected with an error and logged; the phase is left unchanged.
func (m *Machine) Transition(to Phase, reason string) error {
	m.mu.Lock()
	from := m.phase
	if !legal(from, to) {
		m.mu.Unlock()
		log.Printf("state: rejected transition %s->%s (%s)", from, to, reason)
		return fmt.Errorf("illegal transition %s->%s: %s", from, to, reason)
	}
	m.phase = to
	cb := m.onChange
	m.mu.Unlock()

	log.Printf("state: %s->%s (%s)", from, to, reason)
	if cb != nil {
		cb(from, to, reason)
	}
	return nil
}

func legal(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
