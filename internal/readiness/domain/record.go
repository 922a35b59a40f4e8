package readiness

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Key addresses readiness windows either by serial number or by factory data id.
// Exactly one of the fields is set.
type Key struct {
	SerialNumber  string
	FactoryDataID int64
}

// BySerial builds a serial number key.
func BySerial(serialNumber string) Key {
	return Key{SerialNumber: strings.TrimSpace(serialNumber)}
}

// ByFactoryDataID builds a factory data id key.
func ByFactoryDataID(id int64) Key {
	return Key{FactoryDataID: id}
}

// Validate checks that exactly one lookup field is set.
func (k Key) Validate() error {
	hasSerial := k.SerialNumber != ""
	hasFactory := k.FactoryDataID > 0
	if hasSerial == hasFactory {
		return ErrInvalidKey
	}
	return nil
}

// IsSerial reports whether the key looks up by serial number.
func (k Key) IsSerial() bool {
	return k.SerialNumber != ""
}

func (k Key) String() string {
	if k.IsSerial() {
		return "serial_number=" + k.SerialNumber
	}
	return "factory_data_id=" + strconv.FormatInt(k.FactoryDataID, 10)
}

// Record is one activation readiness window. Records are never deleted.
type Record struct {
	ID                      int64
	SerialNumber            string
	FactoryDataID           int64
	ActivationReady         bool
	ActivationInitiatedOn   time.Time
	ActivationInitiatedBy   string
	DeactivationInitiatedOn *time.Time
	DeactivationInitiatedBy string
}

// Matches reports whether the record belongs to key.
func (r Record) Matches(key Key) bool {
	if key.IsSerial() {
		return r.SerialNumber == key.SerialNumber
	}
	return key.FactoryDataID > 0 && r.FactoryDataID == key.FactoryDataID
}

// Repository persists readiness windows.
type Repository interface {
	// Insert stores a new record and assigns its generated id.
	Insert(ctx context.Context, record *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	// ListOpen returns records for key with activation_ready set, locking them
	// for the remainder of the transaction where the store supports it.
	ListOpen(ctx context.Context, key Key) ([]Record, error)
	// Close flips a single open record to closed. It reports false when the
	// record was already closed.
	Close(ctx context.Context, id int64, by string, at time.Time) (bool, error)
	// CloseAll closes every open record for key and returns how many changed.
	CloseAll(ctx context.Context, key Key, by string, at time.Time) (int, error)
	// CountOpen returns the number of open windows across all keys.
	CountOpen(ctx context.Context) (int64, error)
}
