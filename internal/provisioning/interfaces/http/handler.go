package http

import (
	"errors"
	"net/http"

	apihttp "device-association/internal/api/http"
	provisioning "device-association/internal/provisioning/application"
)

// DeviceProvisioningHandler handles device provisioning requests.
type DeviceProvisioningHandler struct {
	service *provisioning.Service
	auditor *apihttp.Auditor
}

// NewDeviceProvisioningHandler constructs a handler.
func NewDeviceProvisioningHandler(service *provisioning.Service, auditor *apihttp.Auditor) (*DeviceProvisioningHandler, error) {
	if service == nil {
		return nil, errors.New("provisioning handler: nil service")
	}
	return &DeviceProvisioningHandler{service: service, auditor: auditor}, nil
}

// ServeHTTP handles POST /api/v1/provisioning/devices.
func (h *DeviceProvisioningHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apihttp.MethodNotAllowed(w)
		return
	}
	var req provisioning.ProvisionRequest
	if err := apihttp.DecodeJSON(r, &req); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	req.Actor = apihttp.Actor(r, "provisioning")

	resp, err := h.service.ProvisionDevice(r.Context(), req)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, resp)
	h.auditor.Record(r, "provision.device", "device", resp.SerialNumber, resp.SerialNumber, map[string]any{
		"vin":              resp.VIN,
		"window_id":        resp.WindowID,
		"registry_outcome": string(resp.RegistryOutcome),
	})
}
