package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lifecycle "device-association/internal/lifecycle/domain"
	"device-association/internal/store"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service runs lifecycle operations in their own transactions.
type Service struct {
	store  store.Store
	clock  Clock
	logger *slog.Logger
}

// ServiceOption customizes the lifecycle service.
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

// NewService constructs a lifecycle service.
func NewService(st store.Store, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("lifecycle: nil store")
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

// RegisterDevice stores a new device in state PROVISIONED.
func (s *Service) RegisterDevice(ctx context.Context, serialNumber string, factoryDataID int64, scopeID, actor string) (*Device, error) {
	var device *Device
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		device, err = NewDevices(tx.Lifecycle()).Register(ctx, serialNumber, factoryDataID, scopeID, actor, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("device registered", "serial", device.Identity.SerialNumber, "factory_data_id", factoryDataID)
	return device, nil
}

// IssueDeviceID records the issued device id once.
func (s *Service) IssueDeviceID(ctx context.Context, serialNumber, deviceID string) (*lifecycle.DeviceIdentity, error) {
	var identity *lifecycle.DeviceIdentity
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		identity, err = NewDevices(tx.Lifecycle()).IssueDeviceID(ctx, serialNumber, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// ChangeState applies a validated lifecycle transition.
func (s *Service) ChangeState(ctx context.Context, serialNumber string, target lifecycle.State, actor string) (*lifecycle.Record, error) {
	var record *lifecycle.Record
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		record, err = NewDevices(tx.Lifecycle()).ChangeState(ctx, serialNumber, target, actor, s.clock.Now())
		return err
	})
	if err != nil {
		s.logger.Warn("device state change rejected", "serial", serialNumber, "target", string(target), "err", err)
		return nil, err
	}
	s.logger.Info("device state changed", "serial", record.SerialNumber, "state", string(record.State), "by", actor)
	return record, nil
}

// Get loads a device.
func (s *Service) Get(ctx context.Context, serialNumber string) (*Device, error) {
	var device *Device
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		device, err = NewDevices(tx.Lifecycle()).Get(ctx, serialNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}
