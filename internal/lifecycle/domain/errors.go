package lifecycle

import "errors"

var (
	// ErrInvalidStateTransition is returned when a transition is not in the lifecycle graph.
	ErrInvalidStateTransition = errors.New("lifecycle: invalid state transition")
	// ErrDeviceNotFound is returned when no device exists for the serial number.
	ErrDeviceNotFound = errors.New("lifecycle: device not found")
	// ErrDeviceExists is returned when registering a serial number twice.
	ErrDeviceExists = errors.New("lifecycle: device already registered")
	// ErrDeviceIDAlreadyIssued is returned when a different device id was already issued.
	ErrDeviceIDAlreadyIssued = errors.New("lifecycle: device id already issued")
	// ErrEmptySerialNumber is returned when the serial number is blank.
	ErrEmptySerialNumber = errors.New("lifecycle: empty serial number")
)
