package association

import "time"

// EventType names a committed association change.
type EventType string

const (
	EventInitiated     EventType = "association.initiated"
	EventConfirmed     EventType = "association.confirmed"
	EventFailed        EventType = "association.failed"
	EventDisassociated EventType = "association.disassociated"
	EventSuspended     EventType = "association.suspended"
	EventResumed       EventType = "association.resumed"
	EventReplaced      EventType = "association.replaced"
)

// Event describes a committed association change.
type Event struct {
	Type        EventType
	Association Association
	// Previous is set for replacements and holds the released association.
	Previous   *Association
	OccurredAt time.Time
}
