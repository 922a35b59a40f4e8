package lifecycle

import "strings"

// State is the physical lifecycle state of a device.
type State string

const (
	StateProvisioned      State = "PROVISIONED"
	StateReadyToActivate  State = "READY_TO_ACTIVATE"
	StateActive           State = "ACTIVE"
	StateStolen           State = "STOLEN"
	StateFaulty           State = "FAULTY"
	StateDeactivated      State = "DEACTIVATED"
	StateProvisionedAlive State = "PROVISIONED_ALIVE"
)

// transitions lists the allowed directed edges. Pairs not listed, including
// self transitions, are rejected.
var transitions = map[State]map[State]struct{}{
	StateProvisioned:      {StateStolen: {}, StateFaulty: {}},
	StateReadyToActivate:  {},
	StateActive:           {StateStolen: {}, StateFaulty: {}},
	StateStolen:           {StateActive: {}, StateProvisioned: {}},
	StateFaulty:           {StateStolen: {}, StateActive: {}, StateProvisioned: {}},
	StateDeactivated:      {},
	StateProvisionedAlive: {},
}

// States returns every known lifecycle state.
func States() []State {
	return []State{
		StateProvisioned,
		StateReadyToActivate,
		StateActive,
		StateStolen,
		StateFaulty,
		StateDeactivated,
		StateProvisionedAlive,
	}
}

// ParseState normalizes and validates a state name.
func ParseState(value string) (State, bool) {
	state := State(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := transitions[state]; !ok {
		return "", false
	}
	return state, true
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsValidTransition reports whether moving from s to target is allowed.
func (s State) IsValidTransition(target State) bool {
	edges, ok := transitions[s]
	if !ok {
		return false
	}
	_, ok = edges[target]
	return ok
}
