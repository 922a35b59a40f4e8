package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	lifecycleapp "device-association/internal/lifecycle/application"
	lifecycle "device-association/internal/lifecycle/domain"
	"device-association/internal/qualifier"
	readinessapp "device-association/internal/readiness/application"
	"device-association/internal/store"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

// ErrInvalidRequest is returned when a provisioning request fails validation.
var ErrInvalidRequest = errors.New("provisioning: invalid request")

// ProvisionRequest defines device provisioning payload.
type ProvisionRequest struct {
	SerialNumber  string            `json:"serial_number"`
	FactoryDataID int64             `json:"factory_data_id"`
	ScopeID       string            `json:"scope_id"`
	DeviceID      string            `json:"device_id"`
	ModelCode     string            `json:"model_code"`
	Attributes    map[string]string `json:"attributes"`
	Actor         string            `json:"-"`
}

// ProvisionResponse summarizes provisioning output.
type ProvisionResponse struct {
	SerialNumber    string              `json:"serial_number"`
	FactoryDataID   int64               `json:"factory_data_id"`
	DeviceID        string              `json:"device_id,omitempty"`
	State           string              `json:"state"`
	VIN             string              `json:"vin"`
	Qualifier       string              `json:"qualifier"`
	WindowID        int64               `json:"readiness_window_id"`
	RegistryOutcome vehiclesync.Outcome `json:"registry_outcome"`
}

// QualifierIssuer issues the VIN and qualifier token for a serial number.
type QualifierIssuer interface {
	Generate(serialNumber string) (qualifier.Qualifier, error)
}

// VehicleRegistrar creates the registry vehicle record. CreateVehicle must be
// idempotent for an existing VIN.
type VehicleRegistrar interface {
	CreateVehicle(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error)
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Service provisions devices.
type Service struct {
	store      store.Store
	qualifiers QualifierIssuer
	registry   VehicleRegistrar
	clock      Clock
	logger     *slog.Logger
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithClock overrides the default clock.
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

// NewService constructs a provisioning service.
func NewService(st store.Store, qualifiers QualifierIssuer, registrar VehicleRegistrar, opts ...ServiceOption) (*Service, error) {
	if st == nil {
		return nil, errors.New("provisioning: nil store")
	}
	if qualifiers == nil {
		return nil, errors.New("provisioning: nil qualifier issuer")
	}
	if registrar == nil {
		return nil, errors.New("provisioning: nil vehicle registrar")
	}
	s := &Service{
		store:      st,
		qualifiers: qualifiers,
		registry:   registrar,
		clock:      systemClock{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ProvisionDevice registers the device, creates its registry vehicle and
// then opens its readiness window. The registry call runs between two local
// transactions:
//
//  1. register the identity and store the drawn VIN and qualifier
//  2. create the registry vehicle
//  3. mark the identity synced and open the readiness window
//
// A failure after step 1 leaves the device registered but not activatable.
// Provisioning the same serial again reuses the stored VIN, so a vehicle the
// registry created for a lost response is absorbed as already existing.
func (s *Service) ProvisionDevice(ctx context.Context, req ProvisionRequest) (*ProvisionResponse, error) {
	if s == nil {
		return nil, errors.New("provisioning: nil service")
	}
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if err := validateProvision(req); err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = "provisioning"
	}

	var (
		q       qualifier.Qualifier
		resumed bool
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		q, resumed, err = s.reserve(ctx, lifecycleapp.NewDevices(tx.Lifecycle()), req, actor)
		return err
	})
	if err != nil {
		s.logger.Warn("device provisioning failed", "serial", req.SerialNumber, "step", "register", "err", err)
		return nil, err
	}
	if resumed {
		s.logger.Info("resuming pending device provisioning", "serial", req.SerialNumber, "vin", q.VIN)
	}

	outcome, err := s.registry.CreateVehicle(ctx, q.VIN, vehiclesync.VehicleAttributes{
		ModelCode:  req.ModelCode,
		Attributes: registryAttributes(req, q),
	})
	if err != nil {
		s.logger.Warn("device provisioning failed", "serial", req.SerialNumber, "step", "registry", "vin", q.VIN, "err", err)
		return nil, fmt.Errorf("provisioning: serial %s left pending: %w", req.SerialNumber, err)
	}

	var result *ProvisionResponse
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		now := s.clock.Now()
		devices := lifecycleapp.NewDevices(tx.Lifecycle())
		if _, err := devices.MarkRegistrySynced(ctx, req.SerialNumber, now); err != nil {
			return err
		}
		device, err := devices.Get(ctx, req.SerialNumber)
		if err != nil {
			return err
		}
		window, err := readinessapp.NewLedger(tx.Readiness(), s.logger).OpenForDevice(ctx, req.SerialNumber, req.FactoryDataID, actor, now)
		if err != nil {
			return err
		}
		result = &ProvisionResponse{
			SerialNumber:    device.Identity.SerialNumber,
			FactoryDataID:   req.FactoryDataID,
			DeviceID:        device.Identity.DeviceID,
			State:           string(device.Record.State),
			VIN:             q.VIN,
			Qualifier:       q.Token,
			WindowID:        window.ID,
			RegistryOutcome: outcome,
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("device provisioning failed", "serial", req.SerialNumber, "step", "activate", "err", err)
		return nil, err
	}
	s.logger.Info("device provisioned",
		"serial", result.SerialNumber,
		"vin", result.VIN,
		"window_id", result.WindowID,
		"registry_outcome", result.RegistryOutcome,
	)
	return result, nil
}

// reserve registers a new device, or picks up one whose registry create never
// completed, and returns the qualifier to send to the registry.
func (s *Service) reserve(ctx context.Context, devices *lifecycleapp.Devices, req ProvisionRequest, actor string) (qualifier.Qualifier, bool, error) {
	device, err := devices.Get(ctx, req.SerialNumber)
	switch {
	case errors.Is(err, lifecycle.ErrDeviceNotFound):
		if _, err := devices.Register(ctx, req.SerialNumber, req.FactoryDataID, req.ScopeID, actor, s.clock.Now()); err != nil {
			return qualifier.Qualifier{}, false, err
		}
	case err != nil:
		return qualifier.Qualifier{}, false, err
	case device.Identity.RegistrySynced():
		return qualifier.Qualifier{}, false, fmt.Errorf("%w: serial %s", lifecycle.ErrDeviceExists, req.SerialNumber)
	case device.Identity.FactoryDataID != 0 && device.Identity.FactoryDataID != req.FactoryDataID:
		return qualifier.Qualifier{}, false, fmt.Errorf("%w: serial %s has factory data id %d", lifecycle.ErrDeviceExists, req.SerialNumber, device.Identity.FactoryDataID)
	}

	if req.DeviceID != "" {
		if _, err := devices.IssueDeviceID(ctx, req.SerialNumber, req.DeviceID); err != nil {
			return qualifier.Qualifier{}, false, err
		}
	}

	if device != nil && device.Identity.VIN != "" {
		q := qualifier.Qualifier{
			SerialNumber: req.SerialNumber,
			VIN:          device.Identity.VIN,
			Token:        device.Identity.Qualifier,
		}
		return q, true, nil
	}
	q, err := s.qualifiers.Generate(req.SerialNumber)
	if err != nil {
		return qualifier.Qualifier{}, false, err
	}
	if _, err := devices.SetRegistration(ctx, req.SerialNumber, q.VIN, q.Token); err != nil {
		return qualifier.Qualifier{}, false, err
	}
	return q, false, nil
}

func validateProvision(req ProvisionRequest) error {
	if req.SerialNumber == "" {
		return fmt.Errorf("%w: missing serial_number", ErrInvalidRequest)
	}
	if req.FactoryDataID <= 0 {
		return fmt.Errorf("%w: factory_data_id must be positive", ErrInvalidRequest)
	}
	return nil
}

func registryAttributes(req ProvisionRequest, q qualifier.Qualifier) map[string]string {
	attrs := make(map[string]string, len(req.Attributes)+4)
	for k, v := range req.Attributes {
		attrs[k] = v
	}
	attrs["serial_number"] = req.SerialNumber
	attrs["factory_data_id"] = strconv.FormatInt(req.FactoryDataID, 10)
	attrs["qualifier"] = q.Token
	if req.DeviceID != "" {
		attrs["device_id"] = req.DeviceID
	}
	return attrs
}
