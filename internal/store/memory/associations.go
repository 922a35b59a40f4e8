package memory

import (
	"context"
	"errors"
	"sort"

	association "device-association/internal/association/domain"
	"device-association/internal/store"
)

type associationRepo struct {
	data *state
}

func (r *associationRepo) Insert(_ context.Context, a *association.Association) error {
	if a == nil {
		return errors.New("association repo: nil association")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Status.IsActive() {
		for _, existing := range r.data.associations {
			if existing.SerialNumber == a.SerialNumber && existing.Status.IsActive() {
				return store.ErrConflict
			}
		}
	}
	r.data.assocSeq++
	a.ID = r.data.assocSeq
	r.data.associations[a.ID] = copyAssociation(*a)
	return nil
}

func (r *associationRepo) Get(_ context.Context, id int64) (*association.Association, error) {
	item, ok := r.data.associations[id]
	if !ok {
		return nil, nil
	}
	out := copyAssociation(item)
	return &out, nil
}

func (r *associationRepo) FindActive(_ context.Context, serialNumber string) (*association.Association, error) {
	return r.latest(serialNumber, func(s association.Status) bool { return s.IsActive() }), nil
}

func (r *associationRepo) FindCurrent(_ context.Context, serialNumber string) (*association.Association, error) {
	return r.latest(serialNumber, func(s association.Status) bool { return !s.IsTerminal() }), nil
}

func (r *associationRepo) latest(serialNumber string, match func(association.Status) bool) *association.Association {
	var found *association.Association
	for _, item := range r.data.associations {
		if item.SerialNumber != serialNumber || !match(item.Status) {
			continue
		}
		if found == nil || item.ID > found.ID {
			out := copyAssociation(item)
			found = &out
		}
	}
	return found
}

func (r *associationRepo) UpdateStatus(_ context.Context, a *association.Association) error {
	if a == nil {
		return errors.New("association repo: nil association")
	}
	existing, ok := r.data.associations[a.ID]
	if !ok {
		return association.ErrNotFound
	}
	if a.Status.IsActive() && !existing.Status.IsActive() {
		for id, other := range r.data.associations {
			if id != a.ID && other.SerialNumber == a.SerialNumber && other.Status.IsActive() {
				return store.ErrConflict
			}
		}
	}
	existing.Status = a.Status
	existing.ModifiedBy = a.ModifiedBy
	existing.ModifiedOn = a.ModifiedOn
	existing.DisassociatedBy = a.DisassociatedBy
	existing.DisassociatedOn = a.DisassociatedOn
	existing.EndTimestamp = a.EndTimestamp
	r.data.associations[a.ID] = copyAssociation(existing)
	return nil
}

func (r *associationRepo) ListBySerial(_ context.Context, serialNumber string) ([]association.Association, error) {
	return r.list(func(a association.Association) bool { return a.SerialNumber == serialNumber }), nil
}

func (r *associationRepo) ListByUser(_ context.Context, userID string) ([]association.Association, error) {
	return r.list(func(a association.Association) bool { return a.UserID == userID }), nil
}

func (r *associationRepo) list(match func(association.Association) bool) []association.Association {
	var result []association.Association
	for _, item := range r.data.associations {
		if match(item) {
			result = append(result, copyAssociation(item))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (r *associationRepo) CountActive(_ context.Context) (int64, error) {
	var count int64
	for _, item := range r.data.associations {
		if item.Status.IsActive() {
			count++
		}
	}
	return count, nil
}
