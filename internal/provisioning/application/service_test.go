package application_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	lifecycleapp "device-association/internal/lifecycle/application"
	lifecycle "device-association/internal/lifecycle/domain"
	provisioning "device-association/internal/provisioning/application"
	"device-association/internal/qualifier"
	readinessapp "device-association/internal/readiness/application"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/registry"
	"device-association/internal/registry/fake"
	"device-association/internal/store/memory"
	syncapp "device-association/internal/vehiclesync/application"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type registrarFunc func(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error)

func (f registrarFunc) CreateVehicle(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
	return f(ctx, vin, attrs)
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newGenerator(t *testing.T) *qualifier.Generator {
	t.Helper()
	gen, err := qualifier.NewGenerator("0123456789ABCD", qualifier.WithSeed(1, 2))
	require.NoError(t, err)
	return gen
}

func newFakeRegistrar(t *testing.T) (*syncapp.Synchronizer, *fake.Server) {
	t.Helper()
	srv := fake.NewServer(fake.Config{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client, err := registry.NewClient(ts.URL, "svc", "secret")
	require.NoError(t, err)
	sync, err := syncapp.NewSynchronizer(client, syncapp.WithDefaultModelID("model-default"))
	require.NoError(t, err)
	return sync, srv
}

func TestProvisionDevice(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	registrar, srv := newFakeRegistrar(t)
	svc, err := provisioning.NewService(st, newGenerator(t), registrar, provisioning.WithClock(fixedClock{now: testNow}))
	require.NoError(t, err)

	resp, err := svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{
		SerialNumber:  "SN123",
		FactoryDataID: 42,
		ScopeID:       "scope-1",
		DeviceID:      "dev-1",
		Attributes:    map[string]string{"color": "red"},
		Actor:         "factory",
	})
	require.NoError(t, err)
	require.Equal(t, "SN123", resp.SerialNumber)
	require.Equal(t, "dev-1", resp.DeviceID)
	require.Equal(t, string(lifecycle.StateProvisioned), resp.State)
	require.Len(t, resp.VIN, 17)
	require.NotEmpty(t, resp.Qualifier)
	require.Equal(t, vehiclesync.OutcomeCreated, resp.RegistryOutcome)

	vehicle, ok := srv.Vehicle(resp.VIN)
	require.True(t, ok)
	require.Equal(t, "SN123", vehicle.Attributes["serial_number"])
	require.Equal(t, resp.Qualifier, vehicle.Attributes["qualifier"])
	require.Equal(t, "red", vehicle.Attributes["color"])

	ledger, err := readinessapp.NewService(st)
	require.NoError(t, err)
	for _, key := range []readiness.Key{readiness.BySerial("SN123"), readiness.ByFactoryDataID(42)} {
		ready, err := ledger.CanActivate(ctx, key)
		require.NoError(t, err)
		require.True(t, ready, key.String())
	}

	devices, err := lifecycleapp.NewService(st)
	require.NoError(t, err)
	device, err := devices.Get(ctx, "SN123")
	require.NoError(t, err)
	require.Equal(t, "dev-1", device.Identity.DeviceID)
	require.Equal(t, "scope-1", device.Record.RegisteredScopeID)
}

func TestProvisionDevice_RegistryFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	registryErr := errors.New("registry down")
	registrar := registrarFunc(func(context.Context, string, vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		return "", registryErr
	})
	svc, err := provisioning.NewService(st, newGenerator(t), registrar)
	require.NoError(t, err)

	_, err = svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42})
	require.ErrorIs(t, err, registryErr)

	devices, err := lifecycleapp.NewService(st)
	require.NoError(t, err)
	device, err := devices.Get(ctx, "SN123")
	require.NoError(t, err)
	require.True(t, device.Identity.RegistrationPending())
	require.Len(t, device.Identity.VIN, 17)

	ledger, err := readinessapp.NewService(st)
	require.NoError(t, err)
	for _, key := range []readiness.Key{readiness.BySerial("SN123"), readiness.ByFactoryDataID(42)} {
		ready, err := ledger.CanActivate(ctx, key)
		require.NoError(t, err)
		require.False(t, ready, key.String())
	}
}

func TestProvisionDevice_RetryAfterLostResponseReusesVIN(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sync, srv := newFakeRegistrar(t)

	var vins []string
	registrar := registrarFunc(func(ctx context.Context, vin string, attrs vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		vins = append(vins, vin)
		outcome, err := sync.CreateVehicle(ctx, vin, attrs)
		if err != nil {
			return "", err
		}
		if len(vins) == 1 {
			return "", &vehiclesync.RegistryError{Op: "create", Err: context.DeadlineExceeded}
		}
		return outcome, nil
	})
	svc, err := provisioning.NewService(st, newGenerator(t), registrar)
	require.NoError(t, err)

	req := provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42, DeviceID: "dev-1"}
	_, err = svc.ProvisionDevice(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok := srv.Vehicle(vins[0])
	require.True(t, ok)

	resp, err := svc.ProvisionDevice(ctx, req)
	require.NoError(t, err)
	require.Len(t, vins, 2)
	require.Equal(t, vins[0], vins[1])
	require.Equal(t, vins[0], resp.VIN)
	require.Equal(t, vehiclesync.OutcomeAlreadyExists, resp.RegistryOutcome)
	require.EqualValues(t, 2, srv.Calls("POST /api/vehicles"))

	vehicle, ok := srv.Vehicle(resp.VIN)
	require.True(t, ok)
	require.Equal(t, resp.Qualifier, vehicle.Attributes["qualifier"])

	ledger, err := readinessapp.NewService(st)
	require.NoError(t, err)
	ready, err := ledger.CanActivate(ctx, readiness.BySerial("SN123"))
	require.NoError(t, err)
	require.True(t, ready)

	_, err = svc.ProvisionDevice(ctx, req)
	require.ErrorIs(t, err, lifecycle.ErrDeviceExists)
	require.Len(t, vins, 2)
}

func TestProvisionDevice_RegistryCallOutsideStoreTx(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	registrar := registrarFunc(func(context.Context, string, vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		close(entered)
		<-release
		return vehiclesync.OutcomeCreated, nil
	})
	svc, err := provisioning.NewService(st, newGenerator(t), registrar)
	require.NoError(t, err)

	provisioned := make(chan error, 1)
	go func() {
		_, err := svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42})
		provisioned <- err
	}()
	<-entered

	ledger, err := readinessapp.NewService(st)
	require.NoError(t, err)
	checked := make(chan error, 1)
	go func() {
		_, err := ledger.CanActivate(ctx, readiness.BySerial("OTHER"))
		checked <- err
	}()
	select {
	case err := <-checked:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("store operation blocked while the registry call was in flight")
	}

	close(release)
	require.NoError(t, <-provisioned)
}

func TestProvisionDevice_FactoryDataIDMismatch(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	registrar := registrarFunc(func(context.Context, string, vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		return "", errors.New("registry down")
	})
	svc, err := provisioning.NewService(st, newGenerator(t), registrar)
	require.NoError(t, err)

	_, err = svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42})
	require.Error(t, err)
	_, err = svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 43})
	require.ErrorIs(t, err, lifecycle.ErrDeviceExists)
}

func TestProvisionDevice_DuplicateSerial(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	var calls int
	registrar := registrarFunc(func(context.Context, string, vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		calls++
		return vehiclesync.OutcomeCreated, nil
	})
	svc, err := provisioning.NewService(st, newGenerator(t), registrar)
	require.NoError(t, err)

	_, err = svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42})
	require.NoError(t, err)
	_, err = svc.ProvisionDevice(ctx, provisioning.ProvisionRequest{SerialNumber: "SN123", FactoryDataID: 42})
	require.ErrorIs(t, err, lifecycle.ErrDeviceExists)
	require.Equal(t, 1, calls)
}

func TestProvisionDevice_Validation(t *testing.T) {
	svc, err := provisioning.NewService(memory.New(), newGenerator(t), registrarFunc(func(context.Context, string, vehiclesync.VehicleAttributes) (vehiclesync.Outcome, error) {
		t.Fatalf("registrar must not be called")
		return "", nil
	}))
	require.NoError(t, err)

	cases := []provisioning.ProvisionRequest{
		{SerialNumber: "  ", FactoryDataID: 1},
		{SerialNumber: "SN1", FactoryDataID: 0},
	}
	for _, req := range cases {
		_, err := svc.ProvisionDevice(context.Background(), req)
		require.ErrorIs(t, err, provisioning.ErrInvalidRequest)
	}
}
