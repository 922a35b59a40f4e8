package association

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type classifies who the device is bound to.
type Type string

const (
	TypeOwner  Type = "OWNER"
	TypeDriver Type = "DRIVER"
	TypeFleet  Type = "FLEET"
)

// Association binds a device identity to a user and/or vehicle.
type Association struct {
	ID              int64
	UserID          string
	SerialNumber    string
	HarmanID        string
	FactoryDataID   int64
	VehicleID       string
	AssociationType Type
	Status          Status
	AssociatedBy    string
	AssociatedOn    time.Time
	DisassociatedBy string
	DisassociatedOn *time.Time
	ModifiedBy      string
	ModifiedOn      time.Time
	StartTimestamp  time.Time
	EndTimestamp    *time.Time
	SoftwareVersion string
}

// Validate checks creation invariants.
func (a Association) Validate() error {
	if strings.TrimSpace(a.SerialNumber) == "" {
		return ErrEmptySerialNumber
	}
	if strings.TrimSpace(a.UserID) == "" {
		return ErrEmptyUserID
	}
	if !a.Status.Valid() {
		return fmt.Errorf("association: unknown status %q", a.Status)
	}
	return nil
}

// TransitionTo moves the association to target, stamping modification and,
// for terminal statuses, end metadata. The association is unchanged on error.
func (a *Association) TransitionTo(target Status, actor string, at time.Time) error {
	if !a.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusChange, a.Status, target)
	}
	a.Status = target
	a.ModifiedBy = actor
	a.ModifiedOn = at
	if target == StatusDisassociated {
		end := at
		a.DisassociatedBy = actor
		a.DisassociatedOn = &end
	}
	if target.IsTerminal() {
		end := at
		a.EndTimestamp = &end
	}
	return nil
}

// Repository persists associations.
type Repository interface {
	// Insert stores a new association and assigns its generated id.
	Insert(ctx context.Context, association *Association) error
	Get(ctx context.Context, id int64) (*Association, error)
	// FindActive returns the association in an active status for serial, if any.
	FindActive(ctx context.Context, serialNumber string) (*Association, error)
	// FindCurrent returns the most recent non-terminal association for serial.
	FindCurrent(ctx context.Context, serialNumber string) (*Association, error)
	// UpdateStatus persists status and audit columns of an existing association.
	UpdateStatus(ctx context.Context, association *Association) error
	ListBySerial(ctx context.Context, serialNumber string) ([]Association, error)
	ListByUser(ctx context.Context, userID string) ([]Association, error)
	// CountActive returns the number of associations in an active status.
	CountActive(ctx context.Context) (int64, error)
}
