package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeviceIdentity is the addressable identity of a physical unit.
type DeviceIdentity struct {
	SerialNumber  string
	FactoryDataID int64
	// DeviceID is empty until provisioning issues one.
	DeviceID string
	// VIN and Qualifier are stored by provisioning before the registry
	// vehicle is created, so a retry reuses them.
	VIN       string
	Qualifier string
	// RegistrySyncedAt is zero until the registry confirms the vehicle.
	RegistrySyncedAt time.Time
	CreatedAt        time.Time
}

// RegistrySynced reports whether the registry holds the device's vehicle.
func (d DeviceIdentity) RegistrySynced() bool {
	return !d.RegistrySyncedAt.IsZero()
}

// RegistrationPending reports whether a VIN was drawn but the registry has not
// confirmed it yet.
func (d DeviceIdentity) RegistrationPending() bool {
	return d.VIN != "" && !d.RegistrySynced()
}

// Validate checks identity invariants.
func (d DeviceIdentity) Validate() error {
	if strings.TrimSpace(d.SerialNumber) == "" {
		return ErrEmptySerialNumber
	}
	if d.FactoryDataID < 0 {
		return fmt.Errorf("lifecycle: negative factory data id %d", d.FactoryDataID)
	}
	return nil
}

// Record is the mutable lifecycle record of a device.
type Record struct {
	SerialNumber      string
	FactoryDataID     int64
	State             State
	IsActive          bool
	RegisteredScopeID string
	UpdatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Transition moves the record to target when the graph allows it. The record
// is left untouched on failure.
func (r *Record) Transition(target State, actor string, at time.Time) error {
	if !target.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidStateTransition, target)
	}
	if !r.State.IsValidTransition(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, r.State, target)
	}
	r.State = target
	r.IsActive = target == StateActive
	r.UpdatedBy = actor
	r.UpdatedAt = at
	return nil
}

// Repository manages device identities and lifecycle records.
type Repository interface {
	GetIdentity(ctx context.Context, serialNumber string) (*DeviceIdentity, error)
	InsertIdentity(ctx context.Context, identity *DeviceIdentity) error
	SetDeviceID(ctx context.Context, serialNumber, deviceID string) error
	// SetRegistration stores the VIN and qualifier drawn for the device.
	SetRegistration(ctx context.Context, serialNumber, vin, qualifier string) error
	MarkRegistrySynced(ctx context.Context, serialNumber string, at time.Time) error
	GetRecord(ctx context.Context, serialNumber string) (*Record, error)
	SaveRecord(ctx context.Context, record *Record) error
}
