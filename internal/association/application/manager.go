package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	association "device-association/internal/association/domain"
	"device-association/internal/observability/metrics"
	readinessapp "device-association/internal/readiness/application"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
)

const defaultNotifyTimeout = 5 * time.Second

// Notifier receives committed association changes.
type Notifier interface {
	Notify(ctx context.Context, event association.Event) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// DeviceAttributes carries the optional descriptive fields of an association.
type DeviceAttributes struct {
	HarmanID        string
	FactoryDataID   int64
	VehicleID       string
	AssociationType association.Type
	SoftwareVersion string
}

// AssociateRequest asks to bind a device to a user.
type AssociateRequest struct {
	SerialNumber string
	UserID       string
	Attributes   DeviceAttributes
}

// ReplaceRequest asks to move an association from a faulty device to a new one.
type ReplaceRequest struct {
	OldSerialNumber string
	NewSerialNumber string
	Actor           string
	Attributes      DeviceAttributes
}

// Replacement is the outcome of a device swap.
type Replacement struct {
	Released association.Association
	Created  association.Association
	Window   readiness.Record
}

// Manager enforces association status rules and the single active owner
// invariant.
type Manager struct {
	store         store.Store
	notifier      Notifier
	clock         Clock
	logger        *slog.Logger
	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

// ManagerOption customizes the manager.
type ManagerOption func(*Manager)

// WithNotifier assigns a notifier.
func WithNotifier(notifier Notifier) ManagerOption {
	return func(m *Manager) {
		m.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ManagerOption {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNotifyTimeout bounds each notification call.
func WithNotifyTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.notifyTimeout = timeout
		}
	}
}

// NewManager constructs a Manager.
func NewManager(st store.Store, opts ...ManagerOption) (*Manager, error) {
	if st == nil {
		return nil, errors.New("association: nil store")
	}
	m := &Manager{
		store:         st,
		clock:         systemClock{},
		logger:        slog.Default(),
		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Associate creates an ASSOCIATION_INITIATED association for a device that
// has an open readiness window and no active association.
func (m *Manager) Associate(ctx context.Context, req AssociateRequest) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("associate", err, start) }()

	serial := strings.TrimSpace(req.SerialNumber)
	userID := strings.TrimSpace(req.UserID)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	if userID == "" {
		return nil, association.ErrEmptyUserID
	}

	var created association.Association
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := m.clock.Now()
		active, err := tx.Associations().FindActive(ctx, serial)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: serial %s held by association %d", association.ErrAlreadyAssociated, serial, active.ID)
		}
		ready, err := readinessapp.NewLedger(tx.Readiness(), m.logger).CanActivate(ctx, readiness.BySerial(serial))
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("%w: serial %s", association.ErrDeviceNotActivatable, serial)
		}

		created = newAssociation(serial, userID, req.Attributes, userID, now)
		return tx.Associations().Insert(ctx, &created)
	})
	if err != nil {
		return nil, conflictAsAlreadyAssociated(err)
	}
	m.logger.Info("association initiated", "id", created.ID, "serial", serial, "user", userID)
	m.notify(ctx, association.EventInitiated, created, nil)
	return &created, nil
}

// ConfirmAssociation moves an ASSOCIATION_INITIATED association to ASSOCIATED.
func (m *Manager) ConfirmAssociation(ctx context.Context, id int64, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("confirm", err, start) }()

	updated, err := m.transitionByID(ctx, id, actor, association.StatusInitiated, association.StatusAssociated)
	if err != nil {
		return nil, err
	}
	m.logger.Info("association confirmed", "id", id, "serial", updated.SerialNumber)
	m.notify(ctx, association.EventConfirmed, *updated, nil)
	return updated, nil
}

// FailAssociation moves an ASSOCIATION_INITIATED association to
// ASSOCIATION_FAILED, releasing the device.
func (m *Manager) FailAssociation(ctx context.Context, id int64, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("fail", err, start) }()

	updated, err := m.transitionByID(ctx, id, actor, association.StatusInitiated, association.StatusFailed)
	if err != nil {
		return nil, err
	}
	m.logger.Info("association failed", "id", id, "serial", updated.SerialNumber)
	m.notify(ctx, association.EventFailed, *updated, nil)
	return updated, nil
}

// Disassociate ends the association of serialNumber that holds the device,
// ASSOCIATED or SUSPENDED, and closes its readiness window. A newer pending
// association does not hide a suspended one.
func (m *Manager) Disassociate(ctx context.Context, serialNumber, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("disassociate", err, start) }()

	serial := strings.TrimSpace(serialNumber)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	var updated association.Association
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := disassociable(ctx, tx, serial)
		if err != nil {
			return err
		}
		updated, err = m.disassociate(ctx, tx, current, actor, m.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, association.EventDisassociated, updated, nil)
	return &updated, nil
}

// DisassociateByID ends association id and closes its readiness window.
func (m *Manager) DisassociateByID(ctx context.Context, id int64, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("disassociate", err, start) }()

	var updated association.Association
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := getAssociation(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err = m.disassociate(ctx, tx, current, actor, m.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, association.EventDisassociated, updated, nil)
	return &updated, nil
}

func (m *Manager) disassociate(ctx context.Context, tx store.Tx, current *association.Association, actor string, now time.Time) (association.Association, error) {
	if current.Status != association.StatusAssociated && current.Status != association.StatusSuspended {
		return association.Association{}, fmt.Errorf("%w: association %d is %s", association.ErrInvalidStatusChange, current.ID, current.Status)
	}
	if err := current.TransitionTo(association.StatusDisassociated, actorOr(actor, current.UserID), now); err != nil {
		return association.Association{}, err
	}
	if err := tx.Associations().UpdateStatus(ctx, current); err != nil {
		return association.Association{}, err
	}
	closed, err := closeWindows(ctx, readinessapp.NewLedger(tx.Readiness(), m.logger), *current, now)
	if err != nil {
		return association.Association{}, err
	}
	m.logger.Info("association disassociated", "id", current.ID, "serial", current.SerialNumber, "windows_closed", closed)
	return *current, nil
}

// Suspend moves the ASSOCIATED association of serialNumber to SUSPENDED.
func (m *Manager) Suspend(ctx context.Context, serialNumber, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("suspend", err, start) }()

	serial := strings.TrimSpace(serialNumber)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	var updated association.Association
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.Associations().FindActive(ctx, serial)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("%w: no active association for serial %s", association.ErrNotFound, serial)
		}
		if current.Status != association.StatusAssociated {
			return fmt.Errorf("%w: association %d is %s", association.ErrInvalidStatusChange, current.ID, current.Status)
		}
		if err := current.TransitionTo(association.StatusSuspended, actorOr(actor, current.UserID), m.clock.Now()); err != nil {
			return err
		}
		if err := tx.Associations().UpdateStatus(ctx, current); err != nil {
			return err
		}
		updated = *current
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("association suspended", "id", updated.ID, "serial", serial)
	m.notify(ctx, association.EventSuspended, updated, nil)
	return &updated, nil
}

// Resume moves the latest SUSPENDED association of serialNumber back to
// ASSOCIATED unless another association has claimed the device meanwhile.
func (m *Manager) Resume(ctx context.Context, serialNumber, actor string) (_ *association.Association, err error) {
	start := time.Now()
	defer func() { observe("resume", err, start) }()

	serial := strings.TrimSpace(serialNumber)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	var updated association.Association
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		suspended, err := latestSuspended(ctx, tx, serial)
		if err != nil {
			return err
		}
		active, err := tx.Associations().FindActive(ctx, serial)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: serial %s held by association %d", association.ErrAlreadyAssociated, serial, active.ID)
		}
		if err := suspended.TransitionTo(association.StatusAssociated, actorOr(actor, suspended.UserID), m.clock.Now()); err != nil {
			return err
		}
		if err := tx.Associations().UpdateStatus(ctx, suspended); err != nil {
			return err
		}
		updated = *suspended
		return nil
	})
	if err != nil {
		return nil, conflictAsAlreadyAssociated(err)
	}
	m.logger.Info("association resumed", "id", updated.ID, "serial", serial)
	m.notify(ctx, association.EventResumed, updated, nil)
	return &updated, nil
}

// ReplaceDevice releases the association of a faulty device and binds its
// owner to a new device in one transaction. The old device's readiness window
// is closed, a window is opened for the new device and the new association is
// created and confirmed. Nothing is applied if any step fails.
func (m *Manager) ReplaceDevice(ctx context.Context, req ReplaceRequest) (_ *Replacement, err error) {
	start := time.Now()
	defer func() { observe("replace", err, start) }()

	oldSerial := strings.TrimSpace(req.OldSerialNumber)
	newSerial := strings.TrimSpace(req.NewSerialNumber)
	if oldSerial == "" || newSerial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	if oldSerial == newSerial {
		return nil, errors.New("association: replacement serial must differ")
	}

	var result Replacement
	err = m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := m.clock.Now()
		ledger := readinessapp.NewLedger(tx.Readiness(), m.logger)

		current, err := disassociable(ctx, tx, oldSerial)
		if err != nil {
			return err
		}
		actor := actorOr(req.Actor, current.UserID)
		released, err := m.disassociate(ctx, tx, current, actor, now)
		if err != nil {
			return err
		}

		window, err := ledger.OpenForDevice(ctx, newSerial, req.Attributes.FactoryDataID, actor, now)
		if err != nil {
			return err
		}

		active, err := tx.Associations().FindActive(ctx, newSerial)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: serial %s held by association %d", association.ErrAlreadyAssociated, newSerial, active.ID)
		}

		attrs := req.Attributes
		if attrs.AssociationType == "" {
			attrs.AssociationType = released.AssociationType
		}
		if attrs.VehicleID == "" {
			attrs.VehicleID = released.VehicleID
		}
		created := newAssociation(newSerial, released.UserID, attrs, actor, now)
		if err := tx.Associations().Insert(ctx, &created); err != nil {
			return err
		}
		if err := created.TransitionTo(association.StatusAssociated, actor, now); err != nil {
			return err
		}
		if err := tx.Associations().UpdateStatus(ctx, &created); err != nil {
			return err
		}

		result = Replacement{Released: released, Created: created, Window: *window}
		return nil
	})
	if err != nil {
		return nil, conflictAsAlreadyAssociated(err)
	}
	m.logger.Info("device replaced",
		"old_serial", oldSerial,
		"new_serial", newSerial,
		"released", result.Released.ID,
		"created", result.Created.ID,
	)
	released := result.Released
	m.notify(ctx, association.EventReplaced, result.Created, &released)
	return &result, nil
}

// FindActiveAssociation returns the association holding serialNumber, or nil
// when the device is unclaimed.
func (m *Manager) FindActiveAssociation(ctx context.Context, serialNumber string) (*association.Association, error) {
	serial := strings.TrimSpace(serialNumber)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	var found *association.Association
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		found, err = tx.Associations().FindActive(ctx, serial)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Get returns association id.
func (m *Manager) Get(ctx context.Context, id int64) (*association.Association, error) {
	var found *association.Association
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		found, err = getAssociation(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListBySerial returns the association history of a device, oldest first.
func (m *Manager) ListBySerial(ctx context.Context, serialNumber string) ([]association.Association, error) {
	serial := strings.TrimSpace(serialNumber)
	if serial == "" {
		return nil, association.ErrEmptySerialNumber
	}
	var list []association.Association
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		list, err = tx.Associations().ListBySerial(ctx, serial)
		return err
	})
	return list, err
}

// ListByUser returns every association of a user, oldest first.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]association.Association, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, association.ErrEmptyUserID
	}
	var list []association.Association
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		list, err = tx.Associations().ListByUser(ctx, userID)
		return err
	})
	return list, err
}

// Wait blocks until in-flight notifications finish.
func (m *Manager) Wait() {
	if m == nil {
		return
	}
	m.pending.Wait()
}

func (m *Manager) transitionByID(ctx context.Context, id int64, actor string, from, to association.Status) (*association.Association, error) {
	var updated association.Association
	err := m.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := getAssociation(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != from {
			return fmt.Errorf("%w: association %d is %s, want %s", association.ErrInvalidStatusChange, id, current.Status, from)
		}
		if err := current.TransitionTo(to, actorOr(actor, current.UserID), m.clock.Now()); err != nil {
			return err
		}
		if err := tx.Associations().UpdateStatus(ctx, current); err != nil {
			return err
		}
		updated = *current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// notify delivers event in the background. Delivery failures are logged and
// never affect the committed change.
func (m *Manager) notify(ctx context.Context, eventType association.EventType, a association.Association, previous *association.Association) {
	if m.notifier == nil {
		return
	}
	event := association.Event{
		Type:        eventType,
		Association: a,
		Previous:    previous,
		OccurredAt:  m.clock.Now(),
	}
	detached := context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("association notifier panic", "event", string(eventType), "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(detached, m.notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, event); err != nil {
			metrics.IncNotification(string(eventType), metrics.ResultError)
			m.logger.Warn("association notification failed", "event", string(eventType), "id", a.ID, "serial", a.SerialNumber, "err", err)
			return
		}
		metrics.IncNotification(string(eventType), metrics.ResultSuccess)
	}()
}

func newAssociation(serial, userID string, attrs DeviceAttributes, actor string, now time.Time) association.Association {
	kind := attrs.AssociationType
	if kind == "" {
		kind = association.TypeOwner
	}
	return association.Association{
		UserID:          userID,
		SerialNumber:    serial,
		HarmanID:        strings.TrimSpace(attrs.HarmanID),
		FactoryDataID:   attrs.FactoryDataID,
		VehicleID:       strings.TrimSpace(attrs.VehicleID),
		AssociationType: kind,
		Status:          association.StatusInitiated,
		AssociatedBy:    actor,
		AssociatedOn:    now,
		ModifiedBy:      actor,
		ModifiedOn:      now,
		StartTimestamp:  now,
		SoftwareVersion: strings.TrimSpace(attrs.SoftwareVersion),
	}
}

func getAssociation(ctx context.Context, tx store.Tx, id int64) (*association.Association, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: id %d", association.ErrNotFound, id)
	}
	current, err := tx.Associations().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: id %d", association.ErrNotFound, id)
	}
	return current, nil
}

// disassociable returns the newest ASSOCIATED or SUSPENDED association of
// serial. When there is none it falls back to the current one so the caller
// reports its status.
func disassociable(ctx context.Context, tx store.Tx, serial string) (*association.Association, error) {
	history, err := tx.Associations().ListBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		switch history[i].Status {
		case association.StatusAssociated, association.StatusSuspended:
			found := history[i]
			return &found, nil
		}
	}
	current, err := tx.Associations().FindCurrent(ctx, serial)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: serial %s", association.ErrNotFound, serial)
	}
	return current, nil
}

func latestSuspended(ctx context.Context, tx store.Tx, serial string) (*association.Association, error) {
	history, err := tx.Associations().ListBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Status == association.StatusSuspended {
			found := history[i]
			return &found, nil
		}
	}
	current, err := tx.Associations().FindCurrent(ctx, serial)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: serial %s", association.ErrNotFound, serial)
	}
	return nil, fmt.Errorf("%w: association %d is %s", association.ErrInvalidStatusChange, current.ID, current.Status)
}

func closeWindows(ctx context.Context, ledger *readinessapp.Ledger, a association.Association, now time.Time) (int, error) {
	actor := a.DisassociatedBy
	closed, err := ledger.CloseByKey(ctx, readiness.BySerial(a.SerialNumber), actor, now)
	if err != nil {
		return 0, err
	}
	if a.FactoryDataID > 0 {
		more, err := ledger.CloseByKey(ctx, readiness.ByFactoryDataID(a.FactoryDataID), actor, now)
		if err != nil {
			return 0, err
		}
		closed += more
	}
	return closed, nil
}

func conflictAsAlreadyAssociated(err error) error {
	if errors.Is(err, store.ErrConflict) && !errors.Is(err, association.ErrAlreadyAssociated) {
		return fmt.Errorf("%w: %v", association.ErrAlreadyAssociated, err)
	}
	return err
}

func actorOr(actor, fallback string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return fallback
}

func observe(op string, err error, start time.Time) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveAssociationOp(op, result, time.Since(start))
}
