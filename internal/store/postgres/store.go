// Package postgres implements store.Store on PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	association "device-association/internal/association/domain"
	associationrepo "device-association/internal/association/infrastructure/postgres"
	"device-association/internal/dbx"
	lifecycle "device-association/internal/lifecycle/domain"
	lifecyclerepo "device-association/internal/lifecycle/infrastructure/postgres"
	"device-association/internal/observability/metrics"
	readiness "device-association/internal/readiness/domain"
	readinessrepo "device-association/internal/readiness/infrastructure/postgres"
	"device-association/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"

	defaultMaxAttempts = 3
)

// Store runs transactions against Postgres.
type Store struct {
	db          *sql.DB
	isolation   sql.IsolationLevel
	maxAttempts int
	logger      *slog.Logger
}

// Option configures the store.
type Option func(*Store)

// WithIsolation overrides the transaction isolation level.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(s *Store) {
		s.isolation = level
	}
}

// WithMaxAttempts sets how many times a transaction is attempted when
// Postgres reports a serialization failure.
func WithMaxAttempts(attempts int) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Store.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres store: nil db")
	}
	s := &Store{
		db:          db,
		isolation:   sql.LevelSerializable,
		maxAttempts: defaultMaxAttempts,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle for read-only callers such as metrics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx runs fn inside a transaction, retrying on serialization failures.
// Unique violations surface as store.ErrConflict.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store: nil db")
	}
	if fn == nil {
		return errors.New("postgres store: nil func")
	}
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = dbx.WithTx(ctx, s.db, &sql.TxOptions{Isolation: s.isolation}, func(ctx context.Context, db dbx.DBTX) error {
			return fn(ctx, newTx(db))
		})
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			break
		}
		metrics.IncTxRetry()
		s.logger.Warn("transaction serialization failure, retrying", "attempt", attempt, "err", err)
	}
	return classify(err)
}

func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.ConstraintName)
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

type tx struct {
	associations *associationrepo.Repository
	readiness    *readinessrepo.Repository
	lifecycle    *lifecyclerepo.DeviceRepository
}

func newTx(db dbx.DBTX) *tx {
	return &tx{
		associations: associationrepo.NewRepository(db),
		readiness:    readinessrepo.NewRepository(db),
		lifecycle:    lifecyclerepo.NewDeviceRepository(db),
	}
}

func (t *tx) Associations() association.Repository { return t.associations }
func (t *tx) Readiness() readiness.Repository      { return t.readiness }
func (t *tx) Lifecycle() lifecycle.Repository      { return t.lifecycle }
