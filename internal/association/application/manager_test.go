package application_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	assocapp "device-association/internal/association/application"
	association "device-association/internal/association/domain"
	readinessapp "device-association/internal/readiness/application"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
	"device-association/internal/store/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type recordingNotifier struct {
	mu     sync.Mutex
	events []association.Event
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, event association.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) types() []association.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]association.EventType, 0, len(n.events))
	for _, event := range n.events {
		out = append(out, event.Type)
	}
	return out
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newManager(t *testing.T, opts ...assocapp.ManagerOption) (*assocapp.Manager, *memory.Store, *readinessapp.Service) {
	t.Helper()
	st := memory.New()
	opts = append([]assocapp.ManagerOption{assocapp.WithClock(fixedClock{now: testNow})}, opts...)
	manager, err := assocapp.NewManager(st, opts...)
	require.NoError(t, err)
	ledger, err := readinessapp.NewService(st, readinessapp.WithClock(fixedClock{now: testNow}))
	require.NoError(t, err)
	return manager, st, ledger
}

func TestAssociate_NoReadinessWindow(t *testing.T) {
	manager, _, _ := newManager(t)

	_, err := manager.Associate(context.Background(), assocapp.AssociateRequest{SerialNumber: "SN123", UserID: "user1"})
	require.ErrorIs(t, err, association.ErrDeviceNotActivatable)
}

func TestAssociate_FullLifecycle(t *testing.T) {
	notifier := &recordingNotifier{}
	manager, _, ledger := newManager(t, assocapp.WithNotifier(notifier))
	ctx := context.Background()

	window, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN123"), "factory")
	require.NoError(t, err)

	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN123", UserID: "user1"})
	require.NoError(t, err)
	require.Equal(t, association.StatusInitiated, created.Status)
	require.Equal(t, "user1", created.AssociatedBy)
	require.Equal(t, testNow, created.AssociatedOn)
	require.Equal(t, association.TypeOwner, created.AssociationType)

	active, err := manager.FindActiveAssociation(ctx, "SN123")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, created.ID, active.ID)

	confirmed, err := manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.NoError(t, err)
	require.Equal(t, association.StatusAssociated, confirmed.Status)

	released, err := manager.Disassociate(ctx, "SN123", "user1")
	require.NoError(t, err)
	require.Equal(t, association.StatusDisassociated, released.Status)
	require.Equal(t, "user1", released.DisassociatedBy)
	require.NotNil(t, released.DisassociatedOn)
	require.NotNil(t, released.EndTimestamp)

	closed, err := ledger.Get(ctx, window.ID)
	require.NoError(t, err)
	require.False(t, closed.ActivationReady)

	active, err = manager.FindActiveAssociation(ctx, "SN123")
	require.NoError(t, err)
	require.Nil(t, active)

	manager.Wait()
	require.ElementsMatch(t, []association.EventType{
		association.EventInitiated,
		association.EventConfirmed,
		association.EventDisassociated,
	}, notifier.types())
}

func TestAssociate_AlreadyAssociated(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)

	_, err = manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user2"})
	require.ErrorIs(t, err, association.ErrAlreadyAssociated)
}

func TestAssociate_ValidatesInput(t *testing.T) {
	manager, _, _ := newManager(t)
	_, err := manager.Associate(context.Background(), assocapp.AssociateRequest{SerialNumber: " ", UserID: "user1"})
	require.ErrorIs(t, err, association.ErrEmptySerialNumber)
	_, err = manager.Associate(context.Background(), assocapp.AssociateRequest{SerialNumber: "SN1"})
	require.ErrorIs(t, err, association.ErrEmptyUserID)
}

func TestAssociate_ConcurrentSingleWinner(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN-RACE"), "factory")
	require.NoError(t, err)

	const workers = 32
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := manager.Associate(ctx, assocapp.AssociateRequest{
				SerialNumber: "SN-RACE",
				UserID:       "user-" + string(rune('a'+i%26)),
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, association.ErrAlreadyAssociated):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, workers-1, conflicts.Load())

	history, err := manager.ListBySerial(ctx, "SN-RACE")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestConfirmAssociation_RequiresInitiated(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.NoError(t, err)

	_, err = manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.ErrorIs(t, err, association.ErrInvalidStatusChange)

	_, err = manager.ConfirmAssociation(ctx, 4242, "user1")
	require.ErrorIs(t, err, association.ErrNotFound)
}

func TestFailAssociation_ReleasesDevice(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)

	failed, err := manager.FailAssociation(ctx, created.ID, "registry")
	require.NoError(t, err)
	require.Equal(t, association.StatusFailed, failed.Status)
	require.NotNil(t, failed.EndTimestamp)

	again, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user2"})
	require.NoError(t, err)
	require.NotEqual(t, created.ID, again.ID)
}

func TestDisassociate_InvalidAndMissing(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()

	_, err := manager.Disassociate(ctx, "SN-NONE", "ops")
	require.ErrorIs(t, err, association.ErrNotFound)

	_, err = ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)

	_, err = manager.Disassociate(ctx, "SN1", "ops")
	require.ErrorIs(t, err, association.ErrInvalidStatusChange)

	current, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, association.StatusInitiated, current.Status)

	ready, err := ledger.CanActivate(ctx, readiness.BySerial("SN1"))
	require.NoError(t, err)
	require.True(t, ready, "failed disassociation must not close the window")
}

func TestDisassociateByID(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.NoError(t, err)

	released, err := manager.DisassociateByID(ctx, created.ID, "")
	require.NoError(t, err)
	require.Equal(t, association.StatusDisassociated, released.Status)
	require.Equal(t, "user1", released.DisassociatedBy)

	_, err = manager.DisassociateByID(ctx, created.ID, "ops")
	require.ErrorIs(t, err, association.ErrInvalidStatusChange)
}

func TestSuspendResume(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)

	_, err = manager.Suspend(ctx, "SN1", "ops")
	require.ErrorIs(t, err, association.ErrInvalidStatusChange, "initiated associations cannot be suspended")

	_, err = manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.NoError(t, err)

	suspended, err := manager.Suspend(ctx, "SN1", "ops")
	require.NoError(t, err)
	require.Equal(t, association.StatusSuspended, suspended.Status)

	active, err := manager.FindActiveAssociation(ctx, "SN1")
	require.NoError(t, err)
	require.Nil(t, active)

	_, err = manager.Suspend(ctx, "SN1", "ops")
	require.ErrorIs(t, err, association.ErrNotFound)

	resumed, err := manager.Resume(ctx, "SN1", "ops")
	require.NoError(t, err)
	require.Equal(t, association.StatusAssociated, resumed.Status)
	require.Equal(t, created.ID, resumed.ID)

	_, err = manager.Resume(ctx, "SN1", "ops")
	require.ErrorIs(t, err, association.ErrInvalidStatusChange)
}

func TestResume_BlockedByNewOwner(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	first, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, first.ID, "user1")
	require.NoError(t, err)
	_, err = manager.Suspend(ctx, "SN1", "ops")
	require.NoError(t, err)

	_, err = manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user2"})
	require.NoError(t, err)

	_, err = manager.Resume(ctx, "SN1", "ops")
	require.ErrorIs(t, err, association.ErrAlreadyAssociated)

	still, err := manager.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, association.StatusSuspended, still.Status)
}

func TestDisassociate_SuspendedBehindNewerInitiated(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)
	first, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, first.ID, "user1")
	require.NoError(t, err)
	_, err = manager.Suspend(ctx, "SN1", "ops")
	require.NoError(t, err)
	second, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user2"})
	require.NoError(t, err)

	released, err := manager.Disassociate(ctx, "SN1", "ops")
	require.NoError(t, err)
	require.Equal(t, first.ID, released.ID)
	require.Equal(t, association.StatusDisassociated, released.Status)

	pending, err := manager.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, association.StatusInitiated, pending.Status)
}

func TestReplaceDevice(t *testing.T) {
	notifier := &recordingNotifier{}
	manager, _, ledger := newManager(t, assocapp.WithNotifier(notifier))
	ctx := context.Background()
	oldWindow, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN-OLD"), "factory")
	require.NoError(t, err)
	created, err := manager.Associate(ctx, assocapp.AssociateRequest{
		SerialNumber: "SN-OLD",
		UserID:       "user1",
		Attributes:   assocapp.DeviceAttributes{VehicleID: "veh-1", AssociationType: association.TypeFleet},
	})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, created.ID, "user1")
	require.NoError(t, err)

	result, err := manager.ReplaceDevice(ctx, assocapp.ReplaceRequest{
		OldSerialNumber: "SN-OLD",
		NewSerialNumber: "SN-NEW",
		Actor:           "support",
		Attributes:      assocapp.DeviceAttributes{FactoryDataID: 77, SoftwareVersion: "2.1.0"},
	})
	require.NoError(t, err)
	require.Equal(t, association.StatusDisassociated, result.Released.Status)
	require.Equal(t, association.StatusAssociated, result.Created.Status)
	require.Equal(t, "user1", result.Created.UserID)
	require.Equal(t, "veh-1", result.Created.VehicleID)
	require.Equal(t, association.TypeFleet, result.Created.AssociationType)
	require.Equal(t, "SN-NEW", result.Window.SerialNumber)
	require.True(t, result.Window.ActivationReady)

	old, err := ledger.Get(ctx, oldWindow.ID)
	require.NoError(t, err)
	require.False(t, old.ActivationReady)

	ready, err := ledger.CanActivate(ctx, readiness.ByFactoryDataID(77))
	require.NoError(t, err)
	require.True(t, ready)

	manager.Wait()
	require.Contains(t, notifier.types(), association.EventReplaced)
}

func TestReplaceDevice_RollsBackOnAssociationFailure(t *testing.T) {
	manager, _, ledger := newManager(t)
	ctx := context.Background()
	for _, serial := range []string{"SN-OLD", "SN-TAKEN"} {
		_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial(serial), "factory")
		require.NoError(t, err)
	}
	old, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN-OLD", UserID: "user1"})
	require.NoError(t, err)
	_, err = manager.ConfirmAssociation(ctx, old.ID, "user1")
	require.NoError(t, err)
	taken, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN-TAKEN", UserID: "user2"})
	require.NoError(t, err)

	_, err = manager.ReplaceDevice(ctx, assocapp.ReplaceRequest{OldSerialNumber: "SN-OLD", NewSerialNumber: "SN-TAKEN", Actor: "support"})
	require.ErrorIs(t, err, association.ErrAlreadyAssociated)

	current, err := manager.Get(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, association.StatusAssociated, current.Status)

	ready, err := ledger.CanActivate(ctx, readiness.BySerial("SN-OLD"))
	require.NoError(t, err)
	require.True(t, ready, "old window must survive a failed replacement")

	window, err := ledger.FindOpenWindow(ctx, readiness.BySerial("SN-TAKEN"))
	require.NoError(t, err)
	require.NotNil(t, window)

	history, err := manager.ListBySerial(ctx, "SN-TAKEN")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, taken.ID, history[0].ID)
}

func TestNotifierFailureKeepsTransition(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("webhook down")}
	manager, _, ledger := newManager(t, assocapp.WithNotifier(notifier))
	ctx := context.Background()
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)

	created, err := manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	manager.Wait()

	current, err := manager.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, association.StatusInitiated, current.Status)
	require.Len(t, notifier.types(), 1)
}

func TestNotifierSeesDetachedContext(t *testing.T) {
	seen := make(chan error, 1)
	notifier := notifyFunc(func(ctx context.Context, _ association.Event) error {
		seen <- ctx.Err()
		return nil
	})
	manager, _, ledger := newManager(t, assocapp.WithNotifier(notifier))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial("SN1"), "factory")
	require.NoError(t, err)

	_, err = manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: "SN1", UserID: "user1"})
	require.NoError(t, err)
	cancel()
	manager.Wait()
	require.NoError(t, <-seen)
}

func TestListByUser(t *testing.T) {
	manager, st, ledger := newManager(t)
	ctx := context.Background()
	for _, serial := range []string{"SN1", "SN2"} {
		_, err := ledger.OpenReadinessWindow(ctx, readiness.BySerial(serial), "factory")
		require.NoError(t, err)
		_, err = manager.Associate(ctx, assocapp.AssociateRequest{SerialNumber: serial, UserID: "user1"})
		require.NoError(t, err)
	}
	list, err := manager.ListByUser(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "SN1", list[0].SerialNumber)

	var count int64
	err = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		count, err = tx.Associations().CountActive(ctx)
		return err
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

type notifyFunc func(ctx context.Context, event association.Event) error

func (f notifyFunc) Notify(ctx context.Context, event association.Event) error { return f(ctx, event) }
