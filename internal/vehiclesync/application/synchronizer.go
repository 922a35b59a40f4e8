package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"device-association/internal/observability/metrics"
	"device-association/internal/registry"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

// DefaultAlreadyExistsMessage is the registry message for a duplicate VIN.
const DefaultAlreadyExistsMessage = "Vehicle already exists"

// Registry is the subset of the registry client the synchronizer needs.
type Registry interface {
	Login(ctx context.Context) (registry.Session, error)
	CreateVehicle(ctx context.Context, session registry.Session, vehicle registry.Vehicle) error
	FindVehicleID(ctx context.Context, session registry.Session, vin string) (string, bool, error)
	UpdateVehicle(ctx context.Context, session registry.Session, id string, vehicle registry.Vehicle) error
	DeleteVehicle(ctx context.Context, session registry.Session, id string) error
	ListVehicleModels(ctx context.Context, session registry.Session) ([]registry.VehicleModel, error)
}

// Synchronizer mirrors vehicles into the external registry. Every public
// operation logs in once and never reuses the session.
type Synchronizer struct {
	registry             Registry
	defaultModelID       string
	alreadyExistsMessage string
	logger               *slog.Logger
}

// Option customizes the synchronizer.
type Option func(*Synchronizer)

// WithDefaultModelID sets the model id used when catalog resolution fails.
func WithDefaultModelID(id string) Option {
	return func(s *Synchronizer) {
		s.defaultModelID = strings.TrimSpace(id)
	}
}

// WithAlreadyExistsMessage overrides the duplicate-VIN message.
func WithAlreadyExistsMessage(message string) Option {
	return func(s *Synchronizer) {
		if message = strings.TrimSpace(message); message != "" {
			s.alreadyExistsMessage = message
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSynchronizer constructs a Synchronizer.
func NewSynchronizer(reg Registry, opts ...Option) (*Synchronizer, error) {
	if reg == nil {
		return nil, errors.New("vehiclesync: nil registry")
	}
	s := &Synchronizer{
		registry:             reg,
		alreadyExistsMessage: DefaultAlreadyExistsMessage,
		logger:               slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateVehicle registers vin. A duplicate reported by the registry is an
// idempotent success with OutcomeAlreadyExists.
func (s *Synchronizer) CreateVehicle(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (_ vehiclesync.Outcome, err error) {
	const op = "create"
	var outcome vehiclesync.Outcome
	start := time.Now()
	defer func() { s.observe(op, outcome, err, start) }()

	vin = strings.TrimSpace(vin)
	if vin == "" {
		return "", vehiclesync.ErrEmptyVIN
	}
	session, err := s.login(ctx, op)
	if err != nil {
		return "", err
	}
	resolution := s.resolveWithSession(ctx, session, attrs.ModelCode)
	vehicle := registry.Vehicle{
		VIN:            vin,
		VehicleModelID: resolution.ModelID,
		Attributes:     attrs.Attributes,
	}

	err = s.registry.CreateVehicle(ctx, session, vehicle)
	switch {
	case err == nil:
		outcome = vehiclesync.OutcomeCreated
	case s.isAlreadyExists(err):
		s.logger.Info("registry vehicle already exists", "vin", vin)
		outcome, err = vehiclesync.OutcomeAlreadyExists, nil
	default:
		return "", wrapRegistryError(op, err)
	}
	return outcome, nil
}

// UpdateVehicle looks up the registry id of vin and updates that record.
func (s *Synchronizer) UpdateVehicle(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (_ vehiclesync.Outcome, err error) {
	const op = "update"
	var outcome vehiclesync.Outcome
	start := time.Now()
	defer func() { s.observe(op, outcome, err, start) }()

	vin = strings.TrimSpace(vin)
	if vin == "" {
		return "", vehiclesync.ErrEmptyVIN
	}
	session, err := s.login(ctx, op)
	if err != nil {
		return "", err
	}
	id, ok, err := s.registry.FindVehicleID(ctx, session, vin)
	if err != nil {
		return "", wrapRegistryError(op, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: vin %s", vehiclesync.ErrRegistryRecordNotFound, vin)
	}

	vehicle := registry.Vehicle{VIN: vin, Attributes: attrs.Attributes}
	if attrs.ModelCode != "" {
		vehicle.VehicleModelID = s.resolveWithSession(ctx, session, attrs.ModelCode).ModelID
	}
	if err := s.registry.UpdateVehicle(ctx, session, id, vehicle); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", fmt.Errorf("%w: vin %s id %s", vehiclesync.ErrRegistryRecordNotFound, vin, id)
		}
		return "", wrapRegistryError(op, err)
	}
	outcome = vehiclesync.OutcomeUpdated
	return outcome, nil
}

// DeleteVehicle removes vin from the registry. A VIN the registry does not
// know is treated as already deleted.
func (s *Synchronizer) DeleteVehicle(ctx context.Context, vin string) (_ vehiclesync.Outcome, err error) {
	const op = "delete"
	var outcome vehiclesync.Outcome
	start := time.Now()
	defer func() { s.observe(op, outcome, err, start) }()

	vin = strings.TrimSpace(vin)
	if vin == "" {
		return "", vehiclesync.ErrEmptyVIN
	}
	session, err := s.login(ctx, op)
	if err != nil {
		return "", err
	}
	id, ok, err := s.registry.FindVehicleID(ctx, session, vin)
	if err != nil {
		return "", wrapRegistryError(op, err)
	}
	if !ok {
		outcome = vehiclesync.OutcomeNotFound
		return outcome, nil
	}
	if err := s.registry.DeleteVehicle(ctx, session, id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			outcome = vehiclesync.OutcomeNotFound
			return outcome, nil
		}
		return "", wrapRegistryError(op, err)
	}
	outcome = vehiclesync.OutcomeDeleted
	return outcome, nil
}

// ResolveVehicleModelID matches candidateCode against the registry catalog.
// Any failure, including a failed login, yields fallbackID with Fallback set.
func (s *Synchronizer) ResolveVehicleModelID(ctx context.Context, candidateCode, fallbackID string) vehiclesync.ModelResolution {
	if fallbackID == "" {
		fallbackID = s.defaultModelID
	}
	session, err := s.registry.Login(ctx)
	if err != nil {
		return s.fallback(candidateCode, fallbackID, fmt.Errorf("%w: %v", vehiclesync.ErrRegistryAuthFailed, err))
	}
	return s.resolve(ctx, session, candidateCode, fallbackID)
}

func (s *Synchronizer) resolveWithSession(ctx context.Context, session registry.Session, candidateCode string) vehiclesync.ModelResolution {
	return s.resolve(ctx, session, candidateCode, s.defaultModelID)
}

func (s *Synchronizer) resolve(ctx context.Context, session registry.Session, candidateCode, fallbackID string) vehiclesync.ModelResolution {
	code := strings.TrimSpace(candidateCode)
	if code == "" {
		return s.fallback(code, fallbackID, errors.New("empty model code"))
	}
	models, err := s.registry.ListVehicleModels(ctx, session)
	if err != nil {
		return s.fallback(code, fallbackID, err)
	}
	for _, model := range models {
		if strings.EqualFold(model.Code, code) && model.ID != "" {
			return vehiclesync.ModelResolution{ModelID: model.ID}
		}
	}
	return s.fallback(code, fallbackID, fmt.Errorf("model code %q not in catalog", code))
}

func (s *Synchronizer) fallback(code, fallbackID string, reason error) vehiclesync.ModelResolution {
	metrics.IncRegistryModelFallback()
	s.logger.Warn("vehicle model resolution fell back to default", "code", code, "model_id", fallbackID, "reason", reason)
	return vehiclesync.ModelResolution{ModelID: fallbackID, Fallback: true, Reason: reason}
}

func (s *Synchronizer) login(ctx context.Context, op string) (registry.Session, error) {
	session, err := s.registry.Login(ctx)
	if err != nil {
		s.logger.Error("registry login failed", "op", op, "err", err)
		return "", fmt.Errorf("%w: %s: %v", vehiclesync.ErrRegistryAuthFailed, op, err)
	}
	return session, nil
}

func (s *Synchronizer) isAlreadyExists(err error) bool {
	var resultErr *registry.ResultError
	if !errors.As(err, &resultErr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(resultErr.Message), s.alreadyExistsMessage)
}

func (s *Synchronizer) observe(op string, outcome vehiclesync.Outcome, err error, start time.Time) {
	label := string(outcome)
	switch {
	case errors.Is(err, vehiclesync.ErrRegistryAuthFailed):
		label = "auth_failed"
	case errors.Is(err, vehiclesync.ErrRegistryRecordNotFound):
		label = "record_not_found"
	case errors.Is(err, vehiclesync.ErrRegistryUnavailable):
		label = "unavailable"
	case err != nil:
		label = metrics.ResultError
	}
	metrics.ObserveRegistryCall(op, label, time.Since(start))
}

func wrapRegistryError(op string, err error) error {
	var resultErr *registry.ResultError
	if errors.As(err, &resultErr) {
		return &vehiclesync.RegistryError{Op: op, Code: resultErr.Code, Message: resultErr.Message, Err: err}
	}
	return &vehiclesync.RegistryError{Op: op, Transient: isTransient(err), Err: err}
}

func isTransient(err error) bool {
	var statusErr *registry.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
