package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	readinessapp "device-association/internal/readiness/application"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
	"device-association/internal/store/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newService(t *testing.T) (*readinessapp.Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	service, err := readinessapp.NewService(st, readinessapp.WithClock(fixedClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service, st
}

func TestCanActivate_NoWindow(t *testing.T) {
	service, _ := newService(t)
	ready, err := service.CanActivate(context.Background(), readiness.BySerial("SN123"))
	if err != nil {
		t.Fatalf("can activate: %v", err)
	}
	if ready {
		t.Fatalf("expected not ready without a window")
	}
}

func TestCanActivate_InvalidKey(t *testing.T) {
	service, _ := newService(t)
	_, err := service.CanActivate(context.Background(), readiness.Key{})
	if !errors.Is(err, readiness.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	_, err = service.CanActivate(context.Background(), readiness.Key{SerialNumber: "SN1", FactoryDataID: 7})
	if !errors.Is(err, readiness.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey for both fields, got %v", err)
	}
}

func TestOpenReadinessWindow_ReplacesPrior(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	key := readiness.BySerial("SN123")

	first, err := service.OpenReadinessWindow(ctx, key, "factory")
	if err != nil {
		t.Fatalf("open first: %v", err)
	}
	second, err := service.OpenReadinessWindow(ctx, key, "factory")
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected new window id")
	}

	prior, err := service.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get prior: %v", err)
	}
	if prior.ActivationReady {
		t.Fatalf("expected prior window closed")
	}
	if prior.DeactivationInitiatedOn == nil || prior.DeactivationInitiatedBy != "factory" {
		t.Fatalf("expected deactivation metadata on prior window, got %+v", prior)
	}

	open, err := service.FindOpenWindow(ctx, key)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if open.ID != second.ID {
		t.Fatalf("expected open window %d, got %d", second.ID, open.ID)
	}
	ready, err := service.CanActivate(ctx, key)
	if err != nil || !ready {
		t.Fatalf("expected ready, got %v %v", ready, err)
	}
}

func TestCloseReadinessWindow_Idempotent(t *testing.T) {
	service, _ := newService(t)
	ctx := context.Background()
	key := readiness.BySerial("SN123")

	window, err := service.OpenReadinessWindow(ctx, key, "factory")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	changed, err := service.CloseReadinessWindow(ctx, window.ID, "ops")
	if err != nil || !changed {
		t.Fatalf("first close: changed=%v err=%v", changed, err)
	}
	once, err := service.Get(ctx, window.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	changed, err = service.CloseReadinessWindow(ctx, window.ID, "someone-else")
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if changed {
		t.Fatalf("expected second close to be a no-op")
	}
	twice, err := service.Get(ctx, window.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if twice.ActivationReady != once.ActivationReady ||
		twice.DeactivationInitiatedBy != once.DeactivationInitiatedBy ||
		!twice.DeactivationInitiatedOn.Equal(*once.DeactivationInitiatedOn) {
		t.Fatalf("state changed after second close: %+v vs %+v", once, twice)
	}

	if _, err := service.FindOpenWindow(ctx, key); !errors.Is(err, readiness.ErrWindowNotFound) {
		t.Fatalf("expected no open window, got %v", err)
	}
}

func TestCloseReadinessWindow_UnknownID(t *testing.T) {
	service, _ := newService(t)
	_, err := service.CloseReadinessWindow(context.Background(), 99, "ops")
	if !errors.Is(err, readiness.ErrWindowNotFound) {
		t.Fatalf("expected ErrWindowNotFound, got %v", err)
	}
}

func TestCorruptionTreatedAsNotReady(t *testing.T) {
	service, st := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < 2; i++ {
			record := &readiness.Record{
				SerialNumber:          "SN999",
				ActivationReady:       true,
				ActivationInitiatedOn: now,
				ActivationInitiatedBy: "legacy",
			}
			if err := tx.Readiness().Insert(ctx, record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ready, err := service.CanActivate(ctx, readiness.BySerial("SN999"))
	if err != nil {
		t.Fatalf("can activate: %v", err)
	}
	if ready {
		t.Fatalf("expected corrupted key to be not ready")
	}
	if _, err := service.FindOpenWindow(ctx, readiness.BySerial("SN999")); !errors.Is(err, readiness.ErrWindowNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	closed, err := service.CloseByKey(ctx, readiness.BySerial("SN999"), "ops")
	if err != nil {
		t.Fatalf("close by key: %v", err)
	}
	if closed != 2 {
		t.Fatalf("expected 2 closed, got %d", closed)
	}
}

func TestOpenForDevice_FindableByEitherKey(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ledger := readinessapp.NewLedger(tx.Readiness(), nil)
		if _, err := ledger.OpenReadinessWindow(ctx, readiness.ByFactoryDataID(42), "factory", at); err != nil {
			return err
		}
		window, err := ledger.OpenForDevice(ctx, "SN42", 42, "factory", at)
		if err != nil {
			return err
		}
		bySerial, ok, err := ledger.FindOpenWindow(ctx, readiness.BySerial("SN42"))
		if err != nil || !ok || bySerial != window.ID {
			t.Errorf("by serial: id=%d ok=%v err=%v", bySerial, ok, err)
		}
		byFactory, ok, err := ledger.FindOpenWindow(ctx, readiness.ByFactoryDataID(42))
		if err != nil || !ok || byFactory != window.ID {
			t.Errorf("by factory id: id=%d ok=%v err=%v", byFactory, ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestLedgerRollbackDiscardsWindow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := readinessapp.NewLedger(tx.Readiness(), nil).OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory", time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	service, err := readinessapp.NewService(st)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ready, err := service.CanActivate(ctx, readiness.BySerial("SN1"))
	if err != nil || ready {
		t.Fatalf("expected rolled back window, ready=%v err=%v", ready, err)
	}
}
