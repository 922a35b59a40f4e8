// Package notify delivers committed association events to downstream
// consumers. Delivery is best effort; the association manager only logs
// failures.
package notify

import (
	"bytes"
	"errors"
	"text/template"
	"time"

	"github.com/google/uuid"

	association "device-association/internal/association/domain"
)

// DefaultTemplate renders the human readable text of a message.
const DefaultTemplate = `[Device {{.Label}}]
Serial: {{.SerialNumber}}
User: {{.UserID}}
Status: {{.Status}}
{{- if .VehicleID }}
Vehicle: {{.VehicleID}}
{{- end }}
{{- if .PreviousSerialNumber }}
Replaces: {{.PreviousSerialNumber}}
{{- end }}
At: {{.OccurredAt}}`

// Message is the payload delivered for one event.
type Message struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Label                string `json:"-"`
	AssociationID        int64  `json:"association_id"`
	SerialNumber         string `json:"serial_number"`
	UserID               string `json:"user_id"`
	VehicleID            string `json:"vehicle_id,omitempty"`
	Status               string `json:"status"`
	PreviousSerialNumber string `json:"previous_serial_number,omitempty"`
	OccurredAt           string `json:"occurred_at"`
	Text                 string `json:"text,omitempty"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(event association.Event) Message {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	msg := Message{
		ID:            uuid.NewString(),
		Type:          string(event.Type),
		Label:         eventLabel(event.Type),
		AssociationID: event.Association.ID,
		SerialNumber:  event.Association.SerialNumber,
		UserID:        event.Association.UserID,
		VehicleID:     event.Association.VehicleID,
		Status:        string(event.Association.Status),
		OccurredAt:    at.UTC().Format(time.RFC3339),
	}
	if event.Previous != nil {
		msg.PreviousSerialNumber = event.Previous.SerialNumber
	}
	return msg
}

func eventLabel(eventType association.EventType) string {
	switch eventType {
	case association.EventInitiated:
		return "Association Initiated"
	case association.EventConfirmed:
		return "Associated"
	case association.EventFailed:
		return "Association Failed"
	case association.EventDisassociated:
		return "Disassociated"
	case association.EventSuspended:
		return "Suspended"
	case association.EventResumed:
		return "Resumed"
	case association.EventReplaced:
		return "Replaced"
	default:
		return string(eventType)
	}
}

// Template renders message text.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a message template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if tpl == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("association-notification").Parse(tpl)
	if err != nil {
		return nil, err
	}
	return &Template{tpl: parsed}, nil
}

// Render applies the template to msg.
func (t *Template) Render(msg Message) (string, error) {
	if t == nil || t.tpl == nil {
		return "", errors.New("notify template: nil")
	}
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, msg); err != nil {
		return "", err
	}
	return buf.String(), nil
}
