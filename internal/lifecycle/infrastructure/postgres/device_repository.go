package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"device-association/internal/dbx"
	lifecycle "device-association/internal/lifecycle/domain"
)

const (
	defaultIdentitiesTable = "device_identities"
	defaultLifecycleTable  = "device_lifecycle"
)

// DeviceRepository is a Postgres implementation for device identities and
// lifecycle records.
type DeviceRepository struct {
	db              dbx.DBTX
	identitiesTable string
	lifecycleTable  string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithIdentitiesTable overrides the identities table name.
func WithIdentitiesTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.identitiesTable = table
		}
	}
}

// WithLifecycleTable overrides the lifecycle table name.
func WithLifecycleTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.lifecycleTable = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db dbx.DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{
		db:              db,
		identitiesTable: defaultIdentitiesTable,
		lifecycleTable:  defaultLifecycleTable,
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// GetIdentity loads an identity by serial number.
func (r *DeviceRepository) GetIdentity(ctx context.Context, serialNumber string) (*lifecycle.DeviceIdentity, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if serialNumber == "" {
		return nil, lifecycle.ErrEmptySerialNumber
	}

	query := fmt.Sprintf(`
SELECT serial_number, factory_data_id, device_id, vin, qualifier, registry_synced_at, created_at
FROM %s
WHERE serial_number = $1
LIMIT 1`, r.identitiesTable)

	var (
		identity      lifecycle.DeviceIdentity
		factoryDataID sql.NullInt64
		deviceID      sql.NullString
		vin           sql.NullString
		qualifier     sql.NullString
		syncedAt      sql.NullTime
	)
	if err := r.db.QueryRowContext(ctx, query, serialNumber).Scan(
		&identity.SerialNumber,
		&factoryDataID,
		&deviceID,
		&vin,
		&qualifier,
		&syncedAt,
		&identity.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	identity.FactoryDataID = factoryDataID.Int64
	identity.DeviceID = deviceID.String
	identity.VIN = vin.String
	identity.Qualifier = qualifier.String
	if syncedAt.Valid {
		identity.RegistrySyncedAt = syncedAt.Time.UTC()
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	return &identity, nil
}

// InsertIdentity stores a new identity.
func (r *DeviceRepository) InsertIdentity(ctx context.Context, identity *lifecycle.DeviceIdentity) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if identity == nil {
		return errors.New("device repo: nil identity")
	}
	if err := identity.Validate(); err != nil {
		return err
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	serial_number,
	factory_data_id,
	device_id,
	created_at
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (serial_number) DO NOTHING`, r.identitiesTable)

	res, err := r.db.ExecContext(ctx, query,
		identity.SerialNumber,
		sql.NullInt64{Int64: identity.FactoryDataID, Valid: identity.FactoryDataID > 0},
		sql.NullString{String: identity.DeviceID, Valid: identity.DeviceID != ""},
		identity.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return lifecycle.ErrDeviceExists
	}
	return nil
}

// SetDeviceID stores the issued device id.
func (r *DeviceRepository) SetDeviceID(ctx context.Context, serialNumber, deviceID string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET device_id = $1
WHERE serial_number = $2`, r.identitiesTable)

	res, err := r.db.ExecContext(ctx, query, deviceID, serialNumber)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return lifecycle.ErrDeviceNotFound
	}
	return nil
}

// SetRegistration stores the VIN and qualifier drawn at provisioning.
func (r *DeviceRepository) SetRegistration(ctx context.Context, serialNumber, vin, qualifier string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET vin = $1,
	qualifier = $2
WHERE serial_number = $3`, r.identitiesTable)

	return r.updateIdentity(ctx, query, vin, qualifier, serialNumber)
}

// MarkRegistrySynced stamps the time the registry confirmed the vehicle.
func (r *DeviceRepository) MarkRegistrySynced(ctx context.Context, serialNumber string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET registry_synced_at = $1
WHERE serial_number = $2`, r.identitiesTable)

	return r.updateIdentity(ctx, query, at.UTC(), serialNumber)
}

func (r *DeviceRepository) updateIdentity(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return lifecycle.ErrDeviceNotFound
	}
	return nil
}

// GetRecord loads and locks the lifecycle record of a device.
func (r *DeviceRepository) GetRecord(ctx context.Context, serialNumber string) (*lifecycle.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if serialNumber == "" {
		return nil, lifecycle.ErrEmptySerialNumber
	}

	query := fmt.Sprintf(`
SELECT serial_number, factory_data_id, state, is_active, registered_scope_id, updated_by, created_at, updated_at
FROM %s
WHERE serial_number = $1
FOR UPDATE`, r.lifecycleTable)

	var (
		record        lifecycle.Record
		factoryDataID sql.NullInt64
		state         string
		scopeID       sql.NullString
		updatedBy     sql.NullString
	)
	if err := r.db.QueryRowContext(ctx, query, serialNumber).Scan(
		&record.SerialNumber,
		&factoryDataID,
		&state,
		&record.IsActive,
		&scopeID,
		&updatedBy,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	record.FactoryDataID = factoryDataID.Int64
	record.State = lifecycle.State(state)
	record.RegisteredScopeID = scopeID.String
	record.UpdatedBy = updatedBy.String
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return &record, nil
}

// SaveRecord upserts a lifecycle record.
func (r *DeviceRepository) SaveRecord(ctx context.Context, record *lifecycle.Record) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	if record == nil {
		return errors.New("device repo: nil record")
	}
	if record.SerialNumber == "" {
		return lifecycle.ErrEmptySerialNumber
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	serial_number,
	factory_data_id,
	state,
	is_active,
	registered_scope_id,
	updated_by,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (serial_number)
DO UPDATE SET
	state = EXCLUDED.state,
	is_active = EXCLUDED.is_active,
	registered_scope_id = EXCLUDED.registered_scope_id,
	updated_by = EXCLUDED.updated_by,
	updated_at = EXCLUDED.updated_at`, r.lifecycleTable)

	_, err := r.db.ExecContext(ctx, query,
		record.SerialNumber,
		sql.NullInt64{Int64: record.FactoryDataID, Valid: record.FactoryDataID > 0},
		string(record.State),
		record.IsActive,
		sql.NullString{String: record.RegisteredScopeID, Valid: record.RegisteredScopeID != ""},
		sql.NullString{String: record.UpdatedBy, Valid: record.UpdatedBy != ""},
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	)
	return err
}
