package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"device-association/internal/store"
)

func TestClassify(t *testing.T) {
	plain := errors.New("boom")
	cases := []struct {
		name     string
		err      error
		conflict bool
	}{
		{name: "unique violation", err: &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "device_associations_active_serial_uq"}, conflict: true},
		{name: "serialization", err: &pgconn.PgError{Code: codeSerializationFailure}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: codeDeadlockDetected}, conflict: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}},
		{name: "plain", err: plain},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			if errors.Is(got, store.ErrConflict) != tc.conflict {
				t.Fatalf("conflict mismatch for %v: %v", tc.err, got)
			}
		})
	}
	if classify(plain) != plain {
		t.Fatalf("expected plain error to pass through")
	}
}

func TestWithinTxRetriesSerializationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	st, err := New(db, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	attempts := 0
	err = st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		attempts++
		if tx.Associations() == nil || tx.Readiness() == nil || tx.Lifecycle() == nil {
			t.Fatalf("expected repositories on tx")
		}
		if attempts == 1 {
			return &pgconn.PgError{Code: codeSerializationFailure, Message: "could not serialize access"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinTxGivesUpAfterMaxAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	st, err := New(db, WithMaxAttempts(2), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return &pgconn.PgError{Code: codeDeadlockDetected}
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithinTxDoesNotRetryOtherErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	st, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	sentinel := errors.New("domain failure")
	err = st.WithinTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
