package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lifecycle "device-association/internal/lifecycle/domain"
)

// Device is an identity together with its lifecycle record.
type Device struct {
	Identity lifecycle.DeviceIdentity
	Record   lifecycle.Record
}

// Devices applies lifecycle rules through a repository bound to the caller's
// transaction.
type Devices struct {
	repo lifecycle.Repository
}

// NewDevices binds lifecycle operations to repo.
func NewDevices(repo lifecycle.Repository) *Devices {
	return &Devices{repo: repo}
}

// Register stores a new identity in state PROVISIONED.
func (d *Devices) Register(ctx context.Context, serialNumber string, factoryDataID int64, scopeID, actor string, at time.Time) (*Device, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	identity := lifecycle.DeviceIdentity{
		SerialNumber:  strings.TrimSpace(serialNumber),
		FactoryDataID: factoryDataID,
		CreatedAt:     at,
	}
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if err := d.repo.InsertIdentity(ctx, &identity); err != nil {
		return nil, err
	}
	record := lifecycle.Record{
		SerialNumber:      identity.SerialNumber,
		FactoryDataID:     factoryDataID,
		State:             lifecycle.StateProvisioned,
		RegisteredScopeID: strings.TrimSpace(scopeID),
		UpdatedBy:         actor,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	if err := d.repo.SaveRecord(ctx, &record); err != nil {
		return nil, err
	}
	return &Device{Identity: identity, Record: record}, nil
}

// IssueDeviceID records the issued device id. Issuing the same id again is a
// no-op; a different id is rejected.
func (d *Devices) IssueDeviceID(ctx context.Context, serialNumber, deviceID string) (*lifecycle.DeviceIdentity, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("lifecycle: device id required")
	}
	identity, err := d.identity(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if identity.DeviceID == deviceID {
		return identity, nil
	}
	if identity.DeviceID != "" {
		return nil, fmt.Errorf("%w: serial %s has %s", lifecycle.ErrDeviceIDAlreadyIssued, identity.SerialNumber, identity.DeviceID)
	}
	if err := d.repo.SetDeviceID(ctx, identity.SerialNumber, deviceID); err != nil {
		return nil, err
	}
	identity.DeviceID = deviceID
	return identity, nil
}

// SetRegistration stores the VIN and qualifier drawn for the device. A device
// the registry already confirmed keeps its registration.
func (d *Devices) SetRegistration(ctx context.Context, serialNumber, vin, qualifier string) (*lifecycle.DeviceIdentity, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	vin = strings.TrimSpace(vin)
	if vin == "" {
		return nil, errors.New("lifecycle: vin required")
	}
	identity, err := d.identity(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if identity.RegistrySynced() {
		return nil, fmt.Errorf("%w: serial %s already registered as %s", lifecycle.ErrDeviceExists, identity.SerialNumber, identity.VIN)
	}
	if err := d.repo.SetRegistration(ctx, identity.SerialNumber, vin, qualifier); err != nil {
		return nil, err
	}
	identity.VIN = vin
	identity.Qualifier = qualifier
	return identity, nil
}

// MarkRegistrySynced records that the registry holds the device's vehicle.
func (d *Devices) MarkRegistrySynced(ctx context.Context, serialNumber string, at time.Time) (*lifecycle.DeviceIdentity, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	identity, err := d.identity(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if identity.VIN == "" {
		return nil, fmt.Errorf("lifecycle: serial %s has no vin", identity.SerialNumber)
	}
	if identity.RegistrySynced() {
		return identity, nil
	}
	if err := d.repo.MarkRegistrySynced(ctx, identity.SerialNumber, at); err != nil {
		return nil, err
	}
	identity.RegistrySyncedAt = at
	return identity, nil
}

// ChangeState moves the device to target through the lifecycle graph.
func (d *Devices) ChangeState(ctx context.Context, serialNumber string, target lifecycle.State, actor string, at time.Time) (*lifecycle.Record, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" {
		return nil, lifecycle.ErrEmptySerialNumber
	}
	record, err := d.repo.GetRecord(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: serial %s", lifecycle.ErrDeviceNotFound, serialNumber)
	}
	if err := record.Transition(target, actor, at); err != nil {
		return nil, err
	}
	if err := d.repo.SaveRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// Get loads a device.
func (d *Devices) Get(ctx context.Context, serialNumber string) (*Device, error) {
	if d == nil || d.repo == nil {
		return nil, errors.New("lifecycle: nil repository")
	}
	identity, err := d.identity(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	record, err := d.repo.GetRecord(ctx, identity.SerialNumber)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: serial %s has no lifecycle record", lifecycle.ErrDeviceNotFound, identity.SerialNumber)
	}
	return &Device{Identity: *identity, Record: *record}, nil
}

func (d *Devices) identity(ctx context.Context, serialNumber string) (*lifecycle.DeviceIdentity, error) {
	serialNumber = strings.TrimSpace(serialNumber)
	if serialNumber == "" {
		return nil, lifecycle.ErrEmptySerialNumber
	}
	identity, err := d.repo.GetIdentity(ctx, serialNumber)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: serial %s", lifecycle.ErrDeviceNotFound, serialNumber)
	}
	return identity, nil
}
