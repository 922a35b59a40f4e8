package vehiclesync

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrySyncFailed marks a registry error that is neither idempotent nor retried.
	ErrRegistrySyncFailed = errors.New("vehiclesync: registry sync failed")
	// ErrRegistryAuthFailed marks a failed session login.
	ErrRegistryAuthFailed = errors.New("vehiclesync: registry auth failed")
	// ErrRegistryRecordNotFound is returned when an update finds no vehicle for the VIN.
	ErrRegistryRecordNotFound = errors.New("vehiclesync: registry record not found")
	// ErrRegistryUnavailable marks a registry failure worth retrying later:
	// transport errors, timeouts and 5xx responses.
	ErrRegistryUnavailable = errors.New("vehiclesync: registry unavailable")
	// ErrEmptyVIN is returned when the VIN is blank.
	ErrEmptyVIN = errors.New("vehiclesync: empty vin")
)

// ExternalVehicleRecord correlates a vehicle with its registry entry. The
// registry stays the source of truth for existence.
type ExternalVehicleRecord struct {
	ExternalID     string
	VIN            string
	VehicleModelID string
	Attributes     map[string]string
}

// VehicleAttributes describes the vehicle to create or update.
type VehicleAttributes struct {
	// ModelCode is matched against the registry model catalog.
	ModelCode  string
	Attributes map[string]string
}

// Outcome classifies a successful sync operation.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeUpdated       Outcome = "updated"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeNotFound      Outcome = "not_found"
)

// ModelResolution is the result of a model id lookup. Fallback is set when
// the default model id was used, with Reason explaining why.
type ModelResolution struct {
	ModelID  string
	Fallback bool
	Reason   error
}

// RegistryError is a registry failure for one operation. It matches
// ErrRegistrySyncFailed and its cause with errors.Is, and also
// ErrRegistryUnavailable when Transient is set.
type RegistryError struct {
	Op      string
	Code    int
	Message string
	// Transient is set when the registry could not be reached or answered
	// with a server error, as opposed to a result code.
	Transient bool
	Err       error
}

// Retryable reports whether the same call may succeed later.
func (e *RegistryError) Retryable() bool {
	return e != nil && e.Transient
}

func (e *RegistryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("vehiclesync: %s failed: code %d: %s", e.Op, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("vehiclesync: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vehiclesync: %s failed: %s", e.Op, e.Message)
}

// Unwrap exposes the sentinel and the cause.
func (e *RegistryError) Unwrap() []error {
	errs := []error{ErrRegistrySyncFailed}
	if e.Transient {
		errs = append(errs, ErrRegistryUnavailable)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
