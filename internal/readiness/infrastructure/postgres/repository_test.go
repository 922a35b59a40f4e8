package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	readiness "device-association/internal/readiness/domain"
)

var windowColumns = []string{
	"id", "serial_number", "factory_data_id", "activation_ready",
	"activation_initiated_on", "activation_initiated_by",
	"deactivation_initiated_on", "deactivation_initiated_by",
}

func TestRepositoryInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("INSERT INTO activation_readiness").
		WithArgs(sql.NullString{String: "SN1", Valid: true}, sql.NullInt64{}, true, at, "provisioning").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	repo := NewRepository(db)
	record := &readiness.Record{SerialNumber: "SN1", ActivationReady: true, ActivationInitiatedOn: at, ActivationInitiatedBy: "provisioning"}
	if err := repo.Insert(context.Background(), record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if record.ID != 11 {
		t.Fatalf("expected id 11, got %d", record.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRepositoryListOpenByFactoryDataID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE factory_data_id = \$1 AND activation_ready = TRUE`).
		WithArgs(int64(77)).
		WillReturnRows(sqlmock.NewRows(windowColumns).
			AddRow(int64(1), nil, int64(77), true, at, "ops", nil, nil).
			AddRow(int64(2), "SN2", int64(77), true, at, "ops", nil, nil))

	repo := NewRepository(db)
	records, err := repo.ListOpen(context.Background(), readiness.ByFactoryDataID(77))
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(records) != 2 || records[0].SerialNumber != "" || records[1].SerialNumber != "SN2" {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].DeactivationInitiatedOn != nil {
		t.Fatalf("expected open window")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRepositoryListOpenRejectsInvalidKey(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewRepository(db)
	if _, err := repo.ListOpen(context.Background(), readiness.Key{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestRepositoryCloseAlreadyClosed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE activation_readiness").
		WithArgs(at, "ops", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(windowColumns).
			AddRow(int64(5), "SN5", nil, false, at.Add(-time.Hour), "ops", at.Add(-time.Minute), "ops"))

	repo := NewRepository(db)
	closed, err := repo.Close(context.Background(), 5, "ops", at)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed {
		t.Fatalf("expected no-op close")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRepositoryCloseMissingWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE activation_readiness").
		WithArgs(at, "ops", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	repo := NewRepository(db)
	if _, err := repo.Close(context.Background(), 9, "ops", at); !errors.Is(err, readiness.ErrWindowNotFound) {
		t.Fatalf("expected ErrWindowNotFound, got %v", err)
	}
}

func TestRepositoryCloseAllBySerial(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	at := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)
	mock.ExpectExec(`WHERE serial_number = \$3 AND activation_ready = TRUE`).
		WithArgs(at, "ops", "SN1").
		WillReturnResult(sqlmock.NewResult(0, 2))

	repo := NewRepository(db)
	n, err := repo.CloseAll(context.Background(), readiness.BySerial("SN1"), "ops", at)
	if err != nil {
		t.Fatalf("close all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 closed, got %d", n)
	}
}
