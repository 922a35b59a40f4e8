// Package memory is an in-process store. Transactions are fully serialized
// and roll back by discarding a working copy of the data.
package memory

import (
	"context"
	"errors"
	"sync"

	association "device-association/internal/association/domain"
	lifecycle "device-association/internal/lifecycle/domain"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
)

type state struct {
	associations map[int64]association.Association
	assocSeq     int64
	windows      map[int64]readiness.Record
	windowSeq    int64
	identities   map[string]lifecycle.DeviceIdentity
	records      map[string]lifecycle.Record
}

func newState() *state {
	return &state{
		associations: make(map[int64]association.Association),
		windows:      make(map[int64]readiness.Record),
		identities:   make(map[string]lifecycle.DeviceIdentity),
		records:      make(map[string]lifecycle.Record),
	}
}

func (s *state) clone() *state {
	out := &state{
		associations: make(map[int64]association.Association, len(s.associations)),
		assocSeq:     s.assocSeq,
		windows:      make(map[int64]readiness.Record, len(s.windows)),
		windowSeq:    s.windowSeq,
		identities:   make(map[string]lifecycle.DeviceIdentity, len(s.identities)),
		records:      make(map[string]lifecycle.Record, len(s.records)),
	}
	for k, v := range s.associations {
		out.associations[k] = copyAssociation(v)
	}
	for k, v := range s.windows {
		out.windows[k] = copyWindow(v)
	}
	for k, v := range s.identities {
		out.identities[k] = v
	}
	for k, v := range s.records {
		out.records[k] = v
	}
	return out
}

// Store is an in-memory store.Store.
type Store struct {
	mu   sync.Mutex
	data *state
}

// New constructs an empty Store.
func New() *Store {
	return &Store{data: newState()}
}

// WithinTx runs fn against a working copy and publishes it on success.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	if s == nil {
		return errors.New("memory store: nil store")
	}
	if fn == nil {
		return errors.New("memory store: nil func")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &tx{data: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

type tx struct {
	data *state
}

func (t *tx) Associations() association.Repository { return &associationRepo{data: t.data} }
func (t *tx) Readiness() readiness.Repository      { return &readinessRepo{data: t.data} }
func (t *tx) Lifecycle() lifecycle.Repository      { return &lifecycleRepo{data: t.data} }

func copyAssociation(a association.Association) association.Association {
	if a.DisassociatedOn != nil {
		v := *a.DisassociatedOn
		a.DisassociatedOn = &v
	}
	if a.EndTimestamp != nil {
		v := *a.EndTimestamp
		a.EndTimestamp = &v
	}
	return a
}

func copyWindow(r readiness.Record) readiness.Record {
	if r.DeactivationInitiatedOn != nil {
		v := *r.DeactivationInitiatedOn
		r.DeactivationInitiatedOn = &v
	}
	return r
}
