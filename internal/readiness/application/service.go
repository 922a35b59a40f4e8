package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service runs ledger operations in their own transactions.
type Service struct {
	store  store.Store
	clock  Clock
	logger *slog.Logger
}

// ServiceOption customizes the readiness service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs a readiness service.
func NewService(st store.Store, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("readiness: nil store")
	}
	service := &Service{
		store:  st,
		clock:  systemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// CanActivate reports whether key has exactly one open window.
func (s *Service) CanActivate(ctx context.Context, key readiness.Key) (bool, error) {
	var ready bool
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ready, err = NewLedger(tx.Readiness(), s.logger).CanActivate(ctx, key)
		return err
	})
	return ready, err
}

// FindOpenWindow returns the open window for key, if exactly one exists.
func (s *Service) FindOpenWindow(ctx context.Context, key readiness.Key) (*readiness.Record, error) {
	var record *readiness.Record
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		record = nil
		id, ok, err := NewLedger(tx.Readiness(), s.logger).FindOpenWindow(ctx, key)
		if err != nil || !ok {
			return err
		}
		record, err = tx.Readiness().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, readiness.ErrWindowNotFound
	}
	return record, nil
}

// OpenReadinessWindow atomically replaces any open window for key.
func (s *Service) OpenReadinessWindow(ctx context.Context, key readiness.Key, initiatedBy string) (*readiness.Record, error) {
	var record *readiness.Record
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		record, err = NewLedger(tx.Readiness(), s.logger).OpenReadinessWindow(ctx, key, initiatedBy, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("readiness window opened", "id", record.ID, "key", key.String(), "by", initiatedBy)
	return record, nil
}

// CloseReadinessWindow closes one window by id. It reports whether the
// window changed.
func (s *Service) CloseReadinessWindow(ctx context.Context, id int64, deactivatedBy string) (bool, error) {
	var changed bool
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		changed, err = NewLedger(tx.Readiness(), s.logger).CloseReadinessWindow(ctx, id, deactivatedBy, s.clock.Now())
		return err
	})
	return changed, err
}

// CloseByKey closes every open window for key.
func (s *Service) CloseByKey(ctx context.Context, key readiness.Key, deactivatedBy string) (int, error) {
	var closed int
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		closed, err = NewLedger(tx.Readiness(), s.logger).CloseByKey(ctx, key, deactivatedBy, s.clock.Now())
		return err
	})
	return closed, err
}

// Get returns a window by id.
func (s *Service) Get(ctx context.Context, id int64) (*readiness.Record, error) {
	var record *readiness.Record
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		record, err = tx.Readiness().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, readiness.ErrWindowNotFound
	}
	return record, nil
}
