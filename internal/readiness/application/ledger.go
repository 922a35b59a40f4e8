package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"device-association/internal/observability/metrics"
	readiness "device-association/internal/readiness/domain"
)

// Ledger applies readiness window rules on top of a repository bound to the
// caller's transaction. Checks and the mutations that depend on them must run
// through the same Ledger.
type Ledger struct {
	repo   readiness.Repository
	logger *slog.Logger
}

// NewLedger binds a ledger to repo.
func NewLedger(repo readiness.Repository, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, logger: logger}
}

// CanActivate reports whether exactly one open window exists for key.
// Several open windows are logged as corruption and reported as not ready.
func (l *Ledger) CanActivate(ctx context.Context, key readiness.Key) (bool, error) {
	_, ok, err := l.FindOpenWindow(ctx, key)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// FindOpenWindow returns the id of the single open window for key.
func (l *Ledger) FindOpenWindow(ctx context.Context, key readiness.Key) (int64, bool, error) {
	if l == nil || l.repo == nil {
		return 0, false, errors.New("readiness ledger: nil repository")
	}
	if err := key.Validate(); err != nil {
		return 0, false, err
	}
	open, err := l.repo.ListOpen(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("readiness: list open windows: %w", err)
	}
	switch len(open) {
	case 0:
		return 0, false, nil
	case 1:
		return open[0].ID, true, nil
	default:
		metrics.IncReadinessCorruption()
		l.logger.Error("readiness data corruption",
			"key", key.String(),
			"open", len(open),
			"ids", windowIDs(open),
			"err", readiness.ErrDataCorruption,
		)
		return 0, false, nil
	}
}

// OpenReadinessWindow closes any open window for key and inserts a new open
// one. Both steps share the caller's transaction.
func (l *Ledger) OpenReadinessWindow(ctx context.Context, key readiness.Key, initiatedBy string, at time.Time) (*readiness.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	record := &readiness.Record{
		SerialNumber:  key.SerialNumber,
		FactoryDataID: key.FactoryDataID,
	}
	return l.open(ctx, record, initiatedBy, at)
}

// OpenForDevice opens a window carrying both identifiers of a device so it
// can be found by either key. Open windows under either key are closed first.
func (l *Ledger) OpenForDevice(ctx context.Context, serialNumber string, factoryDataID int64, initiatedBy string, at time.Time) (*readiness.Record, error) {
	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" && factoryDataID <= 0 {
		return nil, readiness.ErrInvalidKey
	}
	record := &readiness.Record{
		SerialNumber:  serialNumber,
		FactoryDataID: factoryDataID,
	}
	return l.open(ctx, record, initiatedBy, at)
}

func (l *Ledger) open(ctx context.Context, record *readiness.Record, initiatedBy string, at time.Time) (*readiness.Record, error) {
	if l == nil || l.repo == nil {
		return nil, errors.New("readiness ledger: nil repository")
	}
	if strings.TrimSpace(initiatedBy) == "" {
		return nil, errors.New("readiness: initiated by required")
	}
	for _, key := range keysOf(*record) {
		closed, err := l.repo.CloseAll(ctx, key, initiatedBy, at)
		if err != nil {
			return nil, fmt.Errorf("readiness: close prior windows: %w", err)
		}
		if closed > 0 {
			l.logger.Info("readiness windows replaced", "key", key.String(), "closed", closed)
		}
	}
	record.ActivationReady = true
	record.ActivationInitiatedBy = initiatedBy
	record.ActivationInitiatedOn = at
	if err := l.repo.Insert(ctx, record); err != nil {
		return nil, fmt.Errorf("readiness: insert window: %w", err)
	}
	metrics.IncReadinessOp("open", metrics.ResultSuccess)
	return record, nil
}

// CloseReadinessWindow closes the window with id. Closing a closed window is
// a no-op and reports false.
func (l *Ledger) CloseReadinessWindow(ctx context.Context, id int64, deactivatedBy string, at time.Time) (bool, error) {
	if l == nil || l.repo == nil {
		return false, errors.New("readiness ledger: nil repository")
	}
	if id <= 0 {
		return false, readiness.ErrWindowNotFound
	}
	changed, err := l.repo.Close(ctx, id, deactivatedBy, at)
	if err != nil {
		return false, err
	}
	metrics.IncReadinessOp("close", metrics.ResultSuccess)
	return changed, nil
}

// CloseByKey closes every open window for key and returns how many changed.
func (l *Ledger) CloseByKey(ctx context.Context, key readiness.Key, deactivatedBy string, at time.Time) (int, error) {
	if l == nil || l.repo == nil {
		return 0, errors.New("readiness ledger: nil repository")
	}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	closed, err := l.repo.CloseAll(ctx, key, deactivatedBy, at)
	if err != nil {
		return 0, err
	}
	if closed > 1 {
		l.logger.Error("readiness data corruption", "key", key.String(), "closed", closed, "err", readiness.ErrDataCorruption)
		metrics.IncReadinessCorruption()
	}
	metrics.IncReadinessOp("close", metrics.ResultSuccess)
	return closed, nil
}

func keysOf(record readiness.Record) []readiness.Key {
	keys := make([]readiness.Key, 0, 2)
	if record.SerialNumber != "" {
		keys = append(keys, readiness.BySerial(record.SerialNumber))
	}
	if record.FactoryDataID > 0 {
		keys = append(keys, readiness.ByFactoryDataID(record.FactoryDataID))
	}
	return keys
}

func windowIDs(records []readiness.Record) []int64 {
	ids := make([]int64, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}
