package memory

import (
	"context"
	"errors"
	"time"

	lifecycle "device-association/internal/lifecycle/domain"
)

type lifecycleRepo struct {
	data *state
}

func (r *lifecycleRepo) GetIdentity(_ context.Context, serialNumber string) (*lifecycle.DeviceIdentity, error) {
	item, ok := r.data.identities[serialNumber]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *lifecycleRepo) InsertIdentity(_ context.Context, identity *lifecycle.DeviceIdentity) error {
	if identity == nil {
		return errors.New("lifecycle repo: nil identity")
	}
	if err := identity.Validate(); err != nil {
		return err
	}
	if _, ok := r.data.identities[identity.SerialNumber]; ok {
		return lifecycle.ErrDeviceExists
	}
	r.data.identities[identity.SerialNumber] = *identity
	return nil
}

func (r *lifecycleRepo) SetDeviceID(_ context.Context, serialNumber, deviceID string) error {
	item, ok := r.data.identities[serialNumber]
	if !ok {
		return lifecycle.ErrDeviceNotFound
	}
	item.DeviceID = deviceID
	r.data.identities[serialNumber] = item
	return nil
}

func (r *lifecycleRepo) SetRegistration(_ context.Context, serialNumber, vin, qualifier string) error {
	item, ok := r.data.identities[serialNumber]
	if !ok {
		return lifecycle.ErrDeviceNotFound
	}
	item.VIN = vin
	item.Qualifier = qualifier
	r.data.identities[serialNumber] = item
	return nil
}

func (r *lifecycleRepo) MarkRegistrySynced(_ context.Context, serialNumber string, at time.Time) error {
	item, ok := r.data.identities[serialNumber]
	if !ok {
		return lifecycle.ErrDeviceNotFound
	}
	item.RegistrySyncedAt = at
	r.data.identities[serialNumber] = item
	return nil
}

func (r *lifecycleRepo) GetRecord(_ context.Context, serialNumber string) (*lifecycle.Record, error) {
	item, ok := r.data.records[serialNumber]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *lifecycleRepo) SaveRecord(_ context.Context, record *lifecycle.Record) error {
	if record == nil {
		return errors.New("lifecycle repo: nil record")
	}
	if record.SerialNumber == "" {
		return lifecycle.ErrEmptySerialNumber
	}
	r.data.records[record.SerialNumber] = *record
	return nil
}
