package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	readiness "device-association/internal/readiness/domain"
)

type readinessRepo struct {
	data *state
}

func (r *readinessRepo) Insert(_ context.Context, record *readiness.Record) error {
	if record == nil {
		return errors.New("readiness repo: nil record")
	}
	r.data.windowSeq++
	record.ID = r.data.windowSeq
	r.data.windows[record.ID] = copyWindow(*record)
	return nil
}

func (r *readinessRepo) Get(_ context.Context, id int64) (*readiness.Record, error) {
	item, ok := r.data.windows[id]
	if !ok {
		return nil, nil
	}
	out := copyWindow(item)
	return &out, nil
}

func (r *readinessRepo) ListOpen(_ context.Context, key readiness.Key) ([]readiness.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var result []readiness.Record
	for _, item := range r.data.windows {
		if item.ActivationReady && item.Matches(key) {
			result = append(result, copyWindow(item))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *readinessRepo) Close(_ context.Context, id int64, by string, at time.Time) (bool, error) {
	item, ok := r.data.windows[id]
	if !ok {
		return false, readiness.ErrWindowNotFound
	}
	if !item.ActivationReady {
		return false, nil
	}
	closeWindow(&item, by, at)
	r.data.windows[id] = item
	return true, nil
}

func (r *readinessRepo) CloseAll(_ context.Context, key readiness.Key, by string, at time.Time) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	count := 0
	for id, item := range r.data.windows {
		if !item.ActivationReady || !item.Matches(key) {
			continue
		}
		closeWindow(&item, by, at)
		r.data.windows[id] = item
		count++
	}
	return count, nil
}

func (r *readinessRepo) CountOpen(_ context.Context) (int64, error) {
	var count int64
	for _, item := range r.data.windows {
		if item.ActivationReady {
			count++
		}
	}
	return count, nil
}

func closeWindow(item *readiness.Record, by string, at time.Time) {
	closedAt := at
	item.ActivationReady = false
	item.DeactivationInitiatedBy = by
	item.DeactivationInitiatedOn = &closedAt
}
