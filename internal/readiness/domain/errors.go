package readiness

import "errors"

var (
	// ErrInvalidKey is returned when a key sets neither or both lookup fields.
	ErrInvalidKey = errors.New("readiness: key must set exactly one of serial number or factory data id")
	// ErrWindowNotFound is returned when a window id does not exist.
	ErrWindowNotFound = errors.New("readiness: window not found")
	// ErrDataCorruption marks more than one open window for a key.
	ErrDataCorruption = errors.New("readiness: multiple open windows")
)
