package qc

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// State is the phase of the batch run state machine.
type State string

const (
	StateIdle            State = "idle"
	StateLoadingRules    State = "loading_rules"
	StateScanningRecords State = "scanning_records"
	StateAggregating     State = "aggregating"
	StateReporting       State = "reporting"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("qc run already in progress")

// transitions lists the allowed next states. Every phase may fall back to
// idle when the run fails.
var transitions = map[State][]State{
	StateIdle:            {StateLoadingRules},
	StateLoadingRules:    {StateScanningRecords, StateIdle},
	StateScanningRecords: {StateAggregating, StateIdle},
	StateAggregating:     {StateReporting, StateIdle},
	StateReporting:       {StateIdle},
}

// CanTransition reports whether from -> to is an allowed move.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// machine holds the current phase of the engine.
type machine struct {
	mu    sync.Mutex
	state State
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// begin claims the machine for a new run.
func (m *machine) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return ErrRunInProgress
	}
	m.state = StateLoadingRules
	return nil
}

func (m *machine) advance(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, to) {
		return fmt.Errorf("invalid qc transition %s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// reset returns the machine to idle from any phase.
func (m *machine) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}
