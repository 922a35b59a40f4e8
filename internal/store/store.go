// Package store defines the unit of work shared by the lifecycle, readiness
// and association contexts.
package store

import (
	"context"
	"errors"

	association "device-association/internal/association/domain"
	lifecycle "device-association/internal/lifecycle/domain"
	readiness "device-association/internal/readiness/domain"
)

// ErrConflict is returned when a concurrent transaction won a uniqueness race
// or serialization retries were exhausted.
var ErrConflict = errors.New("store: conflicting concurrent update")

// Tx exposes repositories bound to one transaction.
type Tx interface {
	Associations() association.Repository
	Readiness() readiness.Repository
	Lifecycle() lifecycle.Repository
}

// Store runs closures inside a transaction. The closure may be re-run when
// the store retries after a serialization failure, so it must not have side
// effects outside the transaction other than idempotent ones.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
