package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	association "device-association/internal/association/domain"
	"device-association/internal/dbx"
)

const defaultAssociationsTable = "device_associations"

// Repository is a Postgres implementation for associations.
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
	repo := &Repository{db: db, table: defaultAssociationsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const selectColumns = `id, user_id, serial_number, harman_id, factory_data_id, vehicle_id,
	association_type, association_status, associated_by, associated_on,
	disassociated_by, disassociated_on, modified_by, modified_on,
	start_timestamp, end_timestamp, software_version`

// Insert writes a new association and assigns its generated id.
func (r *Repository) Insert(ctx context.Context, a *association.Association) error {
	if r == nil || r.db == nil {
		return errors.New("association repo: nil db")
	}
	if a == nil {
		return errors.New("association repo: nil association")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	user_id,
	serial_number,
	harman_id,
	factory_data_id,
	vehicle_id,
	association_type,
	association_status,
	associated_by,
	associated_on,
	modified_by,
	modified_on,
	start_timestamp,
	software_version
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
)
RETURNING id`, r.table)

	return r.db.QueryRowContext(ctx, query,
		a.UserID,
		a.SerialNumber,
		nullString(a.HarmanID),
		nullInt64(a.FactoryDataID),
		nullString(a.VehicleID),
		string(a.AssociationType),
		string(a.Status),
		a.AssociatedBy,
		a.AssociatedOn.UTC(),
		a.ModifiedBy,
		a.ModifiedOn.UTC(),
		a.StartTimestamp.UTC(),
		nullString(a.SoftwareVersion),
	).Scan(&a.ID)
}

// Get loads an association by id and locks it.
func (r *Repository) Get(ctx context.Context, id int64) (*association.Association, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("association repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
FOR UPDATE`, selectColumns, r.table)
	return r.queryOne(ctx, query, id)
}

// FindActive loads the active association for a serial number.
func (r *Repository) FindActive(ctx context.Context, serialNumber string) (*association.Association, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("association repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE serial_number = $1 AND association_status IN ($2, $3)
ORDER BY id DESC
LIMIT 1
FOR UPDATE`, selectColumns, r.table)
	return r.queryOne(ctx, query, serialNumber, string(association.StatusInitiated), string(association.StatusAssociated))
}

// FindCurrent loads the latest non-terminal association for a serial number.
func (r *Repository) FindCurrent(ctx context.Context, serialNumber string) (*association.Association, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("association repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE serial_number = $1 AND association_status IN ($2, $3, $4)
ORDER BY id DESC
LIMIT 1
FOR UPDATE`, selectColumns, r.table)
	return r.queryOne(ctx, query, serialNumber,
		string(association.StatusInitiated),
		string(association.StatusAssociated),
		string(association.StatusSuspended),
	)
}

// UpdateStatus persists status and audit columns.
func (r *Repository) UpdateStatus(ctx context.Context, a *association.Association) error {
	if r == nil || r.db == nil {
		return errors.New("association repo: nil db")
	}
	if a == nil {
		return errors.New("association repo: nil association")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET association_status = $1,
	modified_by = $2,
	modified_on = $3,
	disassociated_by = $4,
	disassociated_on = $5,
	end_timestamp = $6
WHERE id = $7`, r.table)

	res, err := r.db.ExecContext(ctx, query,
		string(a.Status),
		a.ModifiedBy,
		a.ModifiedOn.UTC(),
		nullString(a.DisassociatedBy),
		nullTime(a.DisassociatedOn),
		nullTime(a.EndTimestamp),
		a.ID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return association.ErrNotFound
	}
	return nil
}

// ListBySerial returns the association history of a serial number.
func (r *Repository) ListBySerial(ctx context.Context, serialNumber string) ([]association.Association, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("association repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE serial_number = $1
ORDER BY id ASC`, selectColumns, r.table)
	return r.queryMany(ctx, query, serialNumber)
}

// ListByUser returns the associations of a user.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]association.Association, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("association repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE user_id = $1
ORDER BY id ASC`, selectColumns, r.table)
	return r.queryMany(ctx, query, userID)
}

// CountActive counts associations in an active status.
func (r *Repository) CountActive(ctx context.Context) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("association repo: nil db")
	}
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE association_status IN ($1, $2)`, r.table)
	if err := r.db.QueryRowContext(ctx, query, string(association.StatusInitiated), string(association.StatusAssociated)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*association.Association, error) {
	item, err := scanAssociation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return item, nil
}

func (r *Repository) queryMany(ctx context.Context, query string, args ...any) ([]association.Association, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []association.Association
	for rows.Next() {
		item, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssociation(row rowScanner) (*association.Association, error) {
	var (
		item            association.Association
		harmanID        sql.NullString
		factoryDataID   sql.NullInt64
		vehicleID       sql.NullString
		assocType       string
		status          string
		disassociatedBy sql.NullString
		disassociatedOn sql.NullTime
		endTimestamp    sql.NullTime
		softwareVersion sql.NullString
	)
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.SerialNumber,
		&harmanID,
		&factoryDataID,
		&vehicleID,
		&assocType,
		&status,
		&item.AssociatedBy,
		&item.AssociatedOn,
		&disassociatedBy,
		&disassociatedOn,
		&item.ModifiedBy,
		&item.ModifiedOn,
		&item.StartTimestamp,
		&endTimestamp,
		&softwareVersion,
	); err != nil {
		return nil, err
	}
	item.HarmanID = harmanID.String
	item.FactoryDataID = factoryDataID.Int64
	item.VehicleID = vehicleID.String
	item.AssociationType = association.Type(assocType)
	item.Status = association.Status(status)
	item.DisassociatedBy = disassociatedBy.String
	item.DisassociatedOn = timePtr(disassociatedOn)
	item.EndTimestamp = timePtr(endTimestamp)
	item.SoftwareVersion = softwareVersion.String
	item.AssociatedOn = item.AssociatedOn.UTC()
	item.ModifiedOn = item.ModifiedOn.UTC()
	item.StartTimestamp = item.StartTimestamp.UTC()
	return &item, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullInt64(value int64) sql.NullInt64 {
	return sql.NullInt64{Int64: value, Valid: value > 0}
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	at := value.Time.UTC()
	return &at
}
