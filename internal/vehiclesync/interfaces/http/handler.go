package http

import (
	"errors"
	"net/http"

	apihttp "device-association/internal/api/http"
	syncapp "device-association/internal/vehiclesync/application"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

const basePath = "/api/v1/vehicles"

// Handler exposes registry synchronization endpoints.
type Handler struct {
	sync    *syncapp.Synchronizer
	auditor *apihttp.Auditor
}

// NewHandler constructs a handler.
func NewHandler(sync *syncapp.Synchronizer, auditor *apihttp.Auditor) (*Handler, error) {
	if sync == nil {
		return nil, errors.New("vehicle handler: nil synchronizer")
	}
	return &Handler{sync: sync, auditor: auditor}, nil
}

type vehicleInput struct {
	VIN        string            `json:"vin"`
	ModelCode  string            `json:"model_code"`
	Attributes map[string]string `json:"attributes"`
}

func (v vehicleInput) attrs() vehiclesync.VehicleAttributes {
	return vehiclesync.VehicleAttributes{ModelCode: v.ModelCode, Attributes: v.Attributes}
}

// OutcomeResponse reports the result of a sync call.
type OutcomeResponse struct {
	VIN     string              `json:"vin"`
	Outcome vehiclesync.Outcome `json:"outcome"`
}

// ModelResponse reports a model id resolution.
type ModelResponse struct {
	ModelID  string `json:"model_id"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
}

// ServeHTTP routes /api/v1/vehicles and its sub-paths.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := apihttp.PathSegments(r.URL.Path, basePath)
	switch {
	case len(segments) == 0 && r.Method == http.MethodPost:
		h.handleCreate(w, r)
	case len(segments) == 1 && segments[0] == "model" && r.Method == http.MethodGet:
		h.handleResolveModel(w, r)
	case len(segments) == 1 && r.Method == http.MethodPut:
		h.handleUpdate(w, r, segments[0])
	case len(segments) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, segments[0])
	case len(segments) <= 1:
		apihttp.MethodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in vehicleInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	outcome, err := h.sync.CreateVehicle(r.Context(), in.VIN, in.attrs())
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	status := http.StatusCreated
	if outcome == vehiclesync.OutcomeAlreadyExists {
		status = http.StatusOK
	}
	apihttp.WriteJSON(w, status, OutcomeResponse{VIN: in.VIN, Outcome: outcome})
	h.auditor.Record(r, "vehicle.create", "vehicle", in.VIN, "", map[string]any{"outcome": string(outcome)})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request, vin string) {
	var in vehicleInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	outcome, err := h.sync.UpdateVehicle(r.Context(), vin, in.attrs())
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, OutcomeResponse{VIN: vin, Outcome: outcome})
	h.auditor.Record(r, "vehicle.update", "vehicle", vin, "", nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, vin string) {
	outcome, err := h.sync.DeleteVehicle(r.Context(), vin)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, OutcomeResponse{VIN: vin, Outcome: outcome})
	if outcome == vehiclesync.OutcomeDeleted {
		h.auditor.Record(r, "vehicle.delete", "vehicle", vin, "", nil)
	}
}

func (h *Handler) handleResolveModel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resolution := h.sync.ResolveVehicleModelID(r.Context(), q.Get("code"), q.Get("fallback_id"))
	resp := ModelResponse{ModelID: resolution.ModelID, Fallback: resolution.Fallback}
	if resolution.Reason != nil {
		resp.Reason = resolution.Reason.Error()
	}
	apihttp.WriteJSON(w, http.StatusOK, resp)
}
