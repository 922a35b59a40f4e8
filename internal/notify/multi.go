package notify

import (
	"context"
	"errors"
	"log/slog"

	assocapp "device-association/internal/association/application"
	association "device-association/internal/association/domain"
)

// MultiNotifier dispatches events to multiple notifiers.
type MultiNotifier struct {
	notifiers []assocapp.Notifier
}

// NewMultiNotifier constructs a MultiNotifier. Nil entries are skipped.
func NewMultiNotifier(notifiers ...assocapp.Notifier) *MultiNotifier {
	out := make([]assocapp.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &MultiNotifier{notifiers: out}
}

// Notify forwards the event to every notifier and joins their errors.
func (m *MultiNotifier) Notify(ctx context.Context, event association.Event) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, event association.Event) error {
	msg := NewMessage(event)
	n.logger.InfoContext(ctx, "association event",
		"event_id", msg.ID,
		"type", msg.Type,
		"association_id", msg.AssociationID,
		"serial", msg.SerialNumber,
		"user_id", msg.UserID,
		"status", msg.Status,
	)
	return nil
}
