package apihttp

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	association "device-association/internal/association/domain"
	"device-association/internal/auth"
	lifecycle "device-association/internal/lifecycle/domain"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", association.ErrNotFound), http.StatusNotFound},
		{readiness.ErrWindowNotFound, http.StatusNotFound},
		{association.ErrAlreadyAssociated, http.StatusConflict},
		{store.ErrConflict, http.StatusConflict},
		{association.ErrDeviceNotActivatable, http.StatusUnprocessableEntity},
		{association.ErrInvalidStatusChange, http.StatusUnprocessableEntity},
		{lifecycle.ErrInvalidStateTransition, http.StatusUnprocessableEntity},
		{&vehiclesync.RegistryError{Op: "create", Code: 5000, Err: errors.New("boom")}, http.StatusBadGateway},
		{&vehiclesync.RegistryError{Op: "create", Transient: true, Err: errors.New("connection refused")}, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: subject", auth.ErrForbidden), http.StatusForbidden},
		{readiness.ErrInvalidKey, http.StatusBadRequest},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Serial string `json:"serial_number"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"serial_number":"SN1"}`))
	if err := DecodeJSON(req, &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Serial != "SN1" {
		t.Fatalf("unexpected value %q", v.Serial)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	if err := DecodeJSON(req, &v); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestPathSegments(t *testing.T) {
	got := PathSegments("/api/v1/associations/7/confirm", "/api/v1/associations")
	if len(got) != 2 || got[0] != "7" || got[1] != "confirm" {
		t.Fatalf("unexpected segments %v", got)
	}
	if got := PathSegments("/api/v1/associations", "/api/v1/associations"); got != nil {
		t.Fatalf("expected nil segments, got %v", got)
	}
}
