package http

import (
	"errors"
	"net/http"
	"time"

	apihttp "device-association/internal/api/http"
	lifecycleapp "device-association/internal/lifecycle/application"
	lifecycle "device-association/internal/lifecycle/domain"
)

const basePath = "/api/v1/devices"

// Handler provides device lifecycle endpoints.
type Handler struct {
	service *lifecycleapp.Service
	auditor *apihttp.Auditor
}

// NewHandler constructs a handler.
func NewHandler(service *lifecycleapp.Service, auditor *apihttp.Auditor) (*Handler, error) {
	if service == nil {
		return nil, errors.New("lifecycle handler: nil service")
	}
	return &Handler{service: service, auditor: auditor}, nil
}

// DeviceResponse is the JSON view of a device.
type DeviceResponse struct {
	SerialNumber      string    `json:"serial_number"`
	FactoryDataID     int64     `json:"factory_data_id"`
	DeviceID          string    `json:"device_id,omitempty"`
	VIN               string    `json:"vin,omitempty"`
	RegistryPending   bool      `json:"registry_pending,omitempty"`
	State             string    `json:"state"`
	IsActive          bool      `json:"is_active"`
	RegisteredScopeID string    `json:"registered_scope_id,omitempty"`
	UpdatedBy         string    `json:"updated_by,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toResponse(d lifecycleapp.Device) DeviceResponse {
	return DeviceResponse{
		SerialNumber:      d.Identity.SerialNumber,
		FactoryDataID:     d.Identity.FactoryDataID,
		DeviceID:          d.Identity.DeviceID,
		VIN:               d.Identity.VIN,
		RegistryPending:   d.Identity.RegistrationPending(),
		State:             string(d.Record.State),
		IsActive:          d.Record.IsActive,
		RegisteredScopeID: d.Record.RegisteredScopeID,
		UpdatedBy:         d.Record.UpdatedBy,
		UpdatedAt:         d.Record.UpdatedAt,
	}
}

type registerInput struct {
	SerialNumber  string `json:"serial_number"`
	FactoryDataID int64  `json:"factory_data_id"`
	ScopeID       string `json:"scope_id"`
}

type stateInput struct {
	State string `json:"state"`
}

type deviceIDInput struct {
	DeviceID string `json:"device_id"`
}

// ServeHTTP routes /api/v1/devices and its sub-paths.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := apihttp.PathSegments(r.URL.Path, basePath)
	switch {
	case len(segments) == 0 && r.Method == http.MethodPost:
		h.handleRegister(w, r)
	case len(segments) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "state" && r.Method == http.MethodPost:
		h.handleState(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "device-id" && r.Method == http.MethodPost:
		h.handleDeviceID(w, r, segments[0])
	case len(segments) <= 2:
		apihttp.MethodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in registerInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	device, err := h.service.RegisterDevice(r.Context(), in.SerialNumber, in.FactoryDataID, in.ScopeID, apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, toResponse(*device))
	h.auditor.Record(r, "device.register", "device", device.Identity.SerialNumber, device.Identity.SerialNumber, nil)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, serial string) {
	device, err := h.service.Get(r.Context(), serial)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*device))
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request, serial string) {
	var in stateInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	target, ok := lifecycle.ParseState(in.State)
	if !ok {
		apihttp.WriteError(w, errors.Join(apihttp.ErrBadRequest, errors.New("unknown state "+in.State)))
		return
	}
	record, err := h.service.ChangeState(r.Context(), serial, target, apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	device, err := h.service.Get(r.Context(), record.SerialNumber)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*device))
	h.auditor.Record(r, "device.state", "device", serial, serial, map[string]any{"state": string(target)})
}

func (h *Handler) handleDeviceID(w http.ResponseWriter, r *http.Request, serial string) {
	var in deviceIDInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	if _, err := h.service.IssueDeviceID(r.Context(), serial, in.DeviceID); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	device, err := h.service.Get(r.Context(), serial)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*device))
	h.auditor.Record(r, "device.issue_id", "device", serial, serial, map[string]any{"device_id": in.DeviceID})
}
