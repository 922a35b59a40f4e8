package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	apihttp "device-association/internal/api/http"
	readinessapp "device-association/internal/readiness/application"
	readiness "device-association/internal/readiness/domain"
)

const basePath = "/api/v1/readiness"

// Handler provides activation readiness endpoints.
type Handler struct {
	service *readinessapp.Service
	auditor *apihttp.Auditor
}

// NewHandler constructs a handler.
func NewHandler(service *readinessapp.Service, auditor *apihttp.Auditor) (*Handler, error) {
	if service == nil {
		return nil, errors.New("readiness handler: nil service")
	}
	return &Handler{service: service, auditor: auditor}, nil
}

type keyInput struct {
	SerialNumber  string `json:"serial_number"`
	FactoryDataID int64  `json:"factory_data_id"`
}

func (k keyInput) key() readiness.Key {
	return readiness.Key{SerialNumber: k.SerialNumber, FactoryDataID: k.FactoryDataID}
}

// WindowResponse is the JSON view of a readiness window.
type WindowResponse struct {
	ID                      int64      `json:"id"`
	SerialNumber            string     `json:"serial_number,omitempty"`
	FactoryDataID           int64      `json:"factory_data_id,omitempty"`
	ActivationReady         bool       `json:"activation_ready"`
	ActivationInitiatedOn   time.Time  `json:"activation_initiated_on"`
	ActivationInitiatedBy   string     `json:"activation_initiated_by"`
	DeactivationInitiatedOn *time.Time `json:"deactivation_initiated_on,omitempty"`
	DeactivationInitiatedBy string     `json:"deactivation_initiated_by,omitempty"`
}

// StatusResponse answers whether a device may be activated.
type StatusResponse struct {
	Ready  bool            `json:"ready"`
	Window *WindowResponse `json:"window,omitempty"`
}

func toWindow(r readiness.Record) WindowResponse {
	return WindowResponse{
		ID:                      r.ID,
		SerialNumber:            r.SerialNumber,
		FactoryDataID:           r.FactoryDataID,
		ActivationReady:         r.ActivationReady,
		ActivationInitiatedOn:   r.ActivationInitiatedOn,
		ActivationInitiatedBy:   r.ActivationInitiatedBy,
		DeactivationInitiatedOn: r.DeactivationInitiatedOn,
		DeactivationInitiatedBy: r.DeactivationInitiatedBy,
	}
}

// ServeHTTP routes /api/v1/readiness and its sub-paths.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := apihttp.PathSegments(r.URL.Path, basePath)
	switch {
	case len(segments) == 0 && r.Method == http.MethodGet:
		h.handleStatus(w, r)
	case len(segments) == 0 && r.Method == http.MethodPost:
		h.handleOpen(w, r)
	case len(segments) == 1 && segments[0] == "close" && r.Method == http.MethodPost:
		h.handleCloseByKey(w, r)
	case len(segments) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, segments[0])
	case len(segments) == 2 && segments[1] == "close" && r.Method == http.MethodPost:
		h.handleClose(w, r, segments[0])
	case len(segments) <= 2:
		apihttp.MethodNotAllowed(w)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := queryKey(r)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	window, err := h.service.FindOpenWindow(r.Context(), key)
	switch {
	case errors.Is(err, readiness.ErrWindowNotFound):
		apihttp.WriteJSON(w, http.StatusOK, StatusResponse{Ready: false})
	case err != nil:
		apihttp.WriteError(w, err)
	default:
		view := toWindow(*window)
		apihttp.WriteJSON(w, http.StatusOK, StatusResponse{Ready: true, Window: &view})
	}
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var in keyInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	window, err := h.service.OpenReadinessWindow(r.Context(), in.key(), apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, toWindow(*window))
	h.auditor.Record(r, "readiness.open", "readiness_window", strconv.FormatInt(window.ID, 10), window.SerialNumber, map[string]any{
		"key": in.key().String(),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := apihttp.ParseID(rawID)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	window, err := h.service.Get(r.Context(), id)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toWindow(*window))
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := apihttp.ParseID(rawID)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	changed, err := h.service.CloseReadinessWindow(r.Context(), id, apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, map[string]bool{"closed": changed})
	if changed {
		h.auditor.Record(r, "readiness.close", "readiness_window", rawID, "", nil)
	}
}

func (h *Handler) handleCloseByKey(w http.ResponseWriter, r *http.Request) {
	var in keyInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	closed, err := h.service.CloseByKey(r.Context(), in.key(), apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, map[string]int{"closed": closed})
	if closed > 0 {
		h.auditor.Record(r, "readiness.close", "readiness_window", in.key().String(), in.SerialNumber, map[string]any{"closed": closed})
	}
}

func queryKey(r *http.Request) (readiness.Key, error) {
	q := r.URL.Query()
	key := readiness.Key{SerialNumber: q.Get("serial_number")}
	if raw := q.Get("factory_data_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return readiness.Key{}, readiness.ErrInvalidKey
		}
		key.FactoryDataID = id
	}
	return key, nil
}
