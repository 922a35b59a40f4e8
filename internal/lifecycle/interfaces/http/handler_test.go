package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	lifecycleapp "device-association/internal/lifecycle/application"
	"device-association/internal/store/memory"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	service, err := lifecycleapp.NewService(memory.New())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler, err := NewHandler(service, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestDeviceLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t)

	resp := serve(h, http.MethodPost, "/api/v1/devices", `{"serial_number":"SN123","factory_data_id":42,"scope_id":"scope-1"}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	resp = serve(h, http.MethodPost, "/api/v1/devices", `{"serial_number":"SN123","factory_data_id":42}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	steps := []struct {
		state string
		want  int
	}{
		{"ACTIVE", http.StatusUnprocessableEntity},
		{"FAULTY", http.StatusOK},
		{"ACTIVE", http.StatusOK},
		{"STOLEN", http.StatusOK},
		{"DEACTIVATED", http.StatusUnprocessableEntity},
		{"NOT_A_STATE", http.StatusBadRequest},
	}
	for _, step := range steps {
		resp = serve(h, http.MethodPost, "/api/v1/devices/SN123/state", `{"state":"`+step.state+`"}`)
		if resp.Code != step.want {
			t.Fatalf("%s: expected %d, got %d: %s", step.state, step.want, resp.Code, resp.Body.String())
		}
	}

	resp = serve(h, http.MethodPost, "/api/v1/devices/SN123/device-id", `{"device_id":"dev-1"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	resp = serve(h, http.MethodPost, "/api/v1/devices/SN123/device-id", `{"device_id":"dev-2"}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.Code)
	}

	resp = serve(h, http.MethodGet, "/api/v1/devices/SN123", "")
	var device DeviceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &device); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if device.State != "STOLEN" || device.IsActive || device.DeviceID != "dev-1" {
		t.Fatalf("unexpected device %+v", device)
	}

	resp = serve(h, http.MethodGet, "/api/v1/devices/SN404", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
