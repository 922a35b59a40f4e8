package association

// Status is the status of a device association.
type Status string

const (
	StatusInitiated     Status = "ASSOCIATION_INITIATED"
	StatusAssociated    Status = "ASSOCIATED"
	StatusDisassociated Status = "DISASSOCIATED"
	StatusFailed        Status = "ASSOCIATION_FAILED"
	StatusSuspended     Status = "SUSPENDED"
)

var statusTransitions = map[Status][]Status{
	StatusInitiated:     {StatusAssociated, StatusFailed},
	StatusAssociated:    {StatusDisassociated, StatusSuspended},
	StatusSuspended:     {StatusAssociated, StatusDisassociated},
	StatusDisassociated: nil,
	StatusFailed:        nil,
}

// ActiveStatuses are the statuses that claim a device.
var ActiveStatuses = []Status{StatusInitiated, StatusAssociated}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// IsActive reports whether s claims the device.
func (s Status) IsActive() bool {
	return s == StatusInitiated || s == StatusAssociated
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDisassociated || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range statusTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}
