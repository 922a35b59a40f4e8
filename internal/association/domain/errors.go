package association

import "errors"

var (
	// ErrAlreadyAssociated is returned when the serial already has an active association.
	ErrAlreadyAssociated = errors.New("association: device already associated")
	// ErrDeviceNotActivatable is returned when no readiness window is open for the device.
	ErrDeviceNotActivatable = errors.New("association: device not activatable")
	// ErrInvalidStatusChange is returned when the current status forbids the requested change.
	ErrInvalidStatusChange = errors.New("association: invalid association status change")
	// ErrNotFound is returned when no association matches the lookup.
	ErrNotFound = errors.New("association: not found")
	// ErrEmptySerialNumber is returned when the serial number is blank.
	ErrEmptySerialNumber = errors.New("association: empty serial number")
	// ErrEmptyUserID is returned when the user id is blank.
	ErrEmptyUserID = errors.New("association: empty user id")
)
