package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"device-association/internal/dbx"
	readiness "device-association/internal/readiness/domain"
)

const defaultReadinessTable = "activation_readiness"

// Repository is a Postgres implementation for readiness windows.
type Repository struct {
	db    dbx.DBTX
	table string
}

// Option configures the repository.
type Option func(*Repository)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(repo *Repository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewRepository constructs a repository.
func NewRepository(db dbx.DBTX, opts ...Option) *Repository {
	repo := &Repository{db: db, table: defaultReadinessTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const selectColumns = `id, serial_number, factory_data_id, activation_ready,
	activation_initiated_on, activation_initiated_by,
	deactivation_initiated_on, deactivation_initiated_by`

// Insert writes a new window and assigns its generated id.
func (r *Repository) Insert(ctx context.Context, record *readiness.Record) error {
	if r == nil || r.db == nil {
		return errors.New("readiness repo: nil db")
	}
	if record == nil {
		return errors.New("readiness repo: nil record")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	serial_number,
	factory_data_id,
	activation_ready,
	activation_initiated_on,
	activation_initiated_by
) VALUES (
	$1, $2, $3, $4, $5
)
RETURNING id`, r.table)

	return r.db.QueryRowContext(ctx, query,
		nullString(record.SerialNumber),
		nullInt64(record.FactoryDataID),
		record.ActivationReady,
		record.ActivationInitiatedOn.UTC(),
		record.ActivationInitiatedBy,
	).Scan(&record.ID)
}

// Get loads a window by id.
func (r *Repository) Get(ctx context.Context, id int64) (*readiness.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("readiness repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1`, selectColumns, r.table)

	record, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

// ListOpen returns open windows for key and locks them.
func (r *Repository) ListOpen(ctx context.Context, key readiness.Key) ([]readiness.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("readiness repo: nil db")
	}
	column, value, err := keyColumn(key)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s = $1 AND activation_ready = TRUE
ORDER BY id ASC
FOR UPDATE`, selectColumns, r.table, column)

	rows, err := r.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []readiness.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Close marks one window closed. Closing a closed window is a no-op.
func (r *Repository) Close(ctx context.Context, id int64, by string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("readiness repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET activation_ready = FALSE,
	deactivation_initiated_on = $1,
	deactivation_initiated_by = $2
WHERE id = $3 AND activation_ready = TRUE`, r.table)

	res, err := r.db.ExecContext(ctx, query, at.UTC(), by, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	existing, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, readiness.ErrWindowNotFound
	}
	return false, nil
}

// CloseAll closes every open window for key.
func (r *Repository) CloseAll(ctx context.Context, key readiness.Key, by string, at time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("readiness repo: nil db")
	}
	column, value, err := keyColumn(key)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET activation_ready = FALSE,
	deactivation_initiated_on = $1,
	deactivation_initiated_by = $2
WHERE %s = $3 AND activation_ready = TRUE`, r.table, column)

	res, err := r.db.ExecContext(ctx, query, at.UTC(), by, value)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CountOpen counts open windows.
func (r *Repository) CountOpen(ctx context.Context) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("readiness repo: nil db")
	}
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE activation_ready = TRUE`, r.table)
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func keyColumn(key readiness.Key) (string, any, error) {
	if err := key.Validate(); err != nil {
		return "", nil, err
	}
	if key.IsSerial() {
		return "serial_number", key.SerialNumber, nil
	}
	return "factory_data_id", key.FactoryDataID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*readiness.Record, error) {
	var (
		record        readiness.Record
		serial        sql.NullString
		factoryDataID sql.NullInt64
		closedOn      sql.NullTime
		closedBy      sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&serial,
		&factoryDataID,
		&record.ActivationReady,
		&record.ActivationInitiatedOn,
		&record.ActivationInitiatedBy,
		&closedOn,
		&closedBy,
	); err != nil {
		return nil, err
	}
	record.SerialNumber = serial.String
	record.FactoryDataID = factoryDataID.Int64
	record.ActivationInitiatedOn = record.ActivationInitiatedOn.UTC()
	if closedOn.Valid {
		at := closedOn.Time.UTC()
		record.DeactivationInitiatedOn = &at
	}
	record.DeactivationInitiatedBy = closedBy.String
	return &record, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullInt64(value int64) sql.NullInt64 {
	return sql.NullInt64{Int64: value, Valid: value > 0}
}
