package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	apihttp "device-association/internal/api/http"
	assocapp "device-association/internal/association/application"
	association "device-association/internal/association/domain"
	"device-association/internal/auth"
)

const basePath = "/api/v1/associations"

// Handler provides association HTTP endpoints.
type Handler struct {
	manager *assocapp.Manager
	auditor *apihttp.Auditor
	logger  *slog.Logger
}

// NewHandler constructs a handler.
func NewHandler(manager *assocapp.Manager, auditor *apihttp.Auditor, logger *slog.Logger) (*Handler, error) {
	if manager == nil {
		return nil, errors.New("association handler: nil manager")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{manager: manager, auditor: auditor, logger: logger}, nil
}

type attributesInput struct {
	HarmanID        string `json:"harman_id"`
	FactoryDataID   int64  `json:"factory_data_id"`
	VehicleID       string `json:"vehicle_id"`
	AssociationType string `json:"association_type"`
	SoftwareVersion string `json:"software_version"`
}

func (a attributesInput) toDomain() assocapp.DeviceAttributes {
	return assocapp.DeviceAttributes{
		HarmanID:        a.HarmanID,
		FactoryDataID:   a.FactoryDataID,
		VehicleID:       a.VehicleID,
		AssociationType: association.Type(a.AssociationType),
		SoftwareVersion: a.SoftwareVersion,
	}
}

type associateInput struct {
	SerialNumber string `json:"serial_number"`
	UserID       string `json:"user_id"`
	attributesInput
}

type serialInput struct {
	SerialNumber string `json:"serial_number"`
}

type replaceInput struct {
	OldSerialNumber string `json:"old_serial_number"`
	NewSerialNumber string `json:"new_serial_number"`
	attributesInput
}

// Response is the JSON view of an association.
type Response struct {
	ID              int64      `json:"id"`
	SerialNumber    string     `json:"serial_number"`
	UserID          string     `json:"user_id"`
	HarmanID        string     `json:"harman_id,omitempty"`
	FactoryDataID   int64      `json:"factory_data_id,omitempty"`
	VehicleID       string     `json:"vehicle_id,omitempty"`
	AssociationType string     `json:"association_type,omitempty"`
	Status          string     `json:"status"`
	AssociatedBy    string     `json:"associated_by"`
	AssociatedOn    time.Time  `json:"associated_on"`
	DisassociatedBy string     `json:"disassociated_by,omitempty"`
	DisassociatedOn *time.Time `json:"disassociated_on,omitempty"`
	ModifiedBy      string     `json:"modified_by,omitempty"`
	ModifiedOn      time.Time  `json:"modified_on"`
	EndTimestamp    *time.Time `json:"end_timestamp,omitempty"`
	SoftwareVersion string     `json:"software_version,omitempty"`
}

// ReplaceResponse is the JSON view of a device replacement.
type ReplaceResponse struct {
	Released Response `json:"released"`
	Created  Response `json:"created"`
	WindowID int64    `json:"readiness_window_id"`
}

func toResponse(a association.Association) Response {
	return Response{
		ID:              a.ID,
		SerialNumber:    a.SerialNumber,
		UserID:          a.UserID,
		HarmanID:        a.HarmanID,
		FactoryDataID:   a.FactoryDataID,
		VehicleID:       a.VehicleID,
		AssociationType: string(a.AssociationType),
		Status:          string(a.Status),
		AssociatedBy:    a.AssociatedBy,
		AssociatedOn:    a.AssociatedOn,
		DisassociatedBy: a.DisassociatedBy,
		DisassociatedOn: a.DisassociatedOn,
		ModifiedBy:      a.ModifiedBy,
		ModifiedOn:      a.ModifiedOn,
		EndTimestamp:    a.EndTimestamp,
		SoftwareVersion: a.SoftwareVersion,
	}
}

func toResponses(list []association.Association) []Response {
	out := make([]Response, 0, len(list))
	for _, a := range list {
		out = append(out, toResponse(a))
	}
	return out
}

// ServeHTTP routes /api/v1/associations and its sub-paths.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := apihttp.PathSegments(r.URL.Path, basePath)
	switch len(segments) {
	case 0:
		switch r.Method {
		case http.MethodPost:
			h.handleAssociate(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			apihttp.MethodNotAllowed(w)
		}
		return
	case 1:
		switch segments[0] {
		case "active":
			h.requireMethod(w, r, http.MethodGet, h.handleActive)
		case "disassociate":
			h.requireMethod(w, r, http.MethodPost, h.handleDisassociate)
		case "suspend":
			h.requireMethod(w, r, http.MethodPost, h.handleSuspend)
		case "resume":
			h.requireMethod(w, r, http.MethodPost, h.handleResume)
		case "replace":
			h.requireMethod(w, r, http.MethodPost, h.handleReplace)
		default:
			h.requireMethod(w, r, http.MethodGet, func(w http.ResponseWriter, r *http.Request) {
				h.handleGet(w, r, segments[0])
			})
		}
		return
	case 2:
		id, err := apihttp.ParseID(segments[0])
		if err != nil {
			apihttp.WriteError(w, err)
			return
		}
		if r.Method != http.MethodPost {
			apihttp.MethodNotAllowed(w)
			return
		}
		h.handleTransition(w, r, id, segments[1])
		return
	}
	http.NotFound(w, r)
}

func (h *Handler) requireMethod(w http.ResponseWriter, r *http.Request, method string, fn http.HandlerFunc) {
	if r.Method != method {
		apihttp.MethodNotAllowed(w)
		return
	}
	fn(w, r)
}

func (h *Handler) handleAssociate(w http.ResponseWriter, r *http.Request) {
	var in associateInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	if err := auth.AuthorizeUser(r.Context(), in.UserID); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	created, err := h.manager.Associate(r.Context(), assocapp.AssociateRequest{
		SerialNumber: in.SerialNumber,
		UserID:       in.UserID,
		Attributes:   in.attributesInput.toDomain(),
	})
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusCreated, toResponse(*created))
	h.auditor.Record(r, "association.create", "association", strconv.FormatInt(created.ID, 10), created.SerialNumber, map[string]any{
		"user_id": created.UserID,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial_number")
	userID := r.URL.Query().Get("user_id")
	var (
		list []association.Association
		err  error
	)
	switch {
	case serial != "" && userID == "":
		if err := auth.AuthorizeUser(r.Context(), ""); err != nil {
			apihttp.WriteError(w, err)
			return
		}
		list, err = h.manager.ListBySerial(r.Context(), serial)
	case userID != "" && serial == "":
		if err := auth.AuthorizeUser(r.Context(), userID); err != nil {
			apihttp.WriteError(w, err)
			return
		}
		list, err = h.manager.ListByUser(r.Context(), userID)
	default:
		http.Error(w, "exactly one of serial_number or user_id is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponses(list))
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	found, err := h.manager.FindActiveAssociation(r.Context(), r.URL.Query().Get("serial_number"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	if found == nil {
		apihttp.WriteError(w, association.ErrNotFound)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*found))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := apihttp.ParseID(rawID)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	found, err := h.manager.Get(r.Context(), id)
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*found))
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, id int64, action string) {
	actor := apihttp.Actor(r, "api")
	var (
		updated *association.Association
		err     error
	)
	if err := h.authorizeOwner(r, id); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	switch action {
	case "confirm":
		updated, err = h.manager.ConfirmAssociation(r.Context(), id, actor)
	case "fail":
		updated, err = h.manager.FailAssociation(r.Context(), id, actor)
	case "disassociate":
		updated, err = h.manager.DisassociateByID(r.Context(), id, actor)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*updated))
	h.auditor.Record(r, "association."+action, "association", strconv.FormatInt(id, 10), updated.SerialNumber, nil)
}

// authorizeOwner restricts self-service callers to their own association.
func (h *Handler) authorizeOwner(r *http.Request, id int64) error {
	if auth.RoleFromContext(r.Context()) != auth.RoleUser {
		return nil
	}
	found, err := h.manager.Get(r.Context(), id)
	if err != nil {
		return err
	}
	return auth.AuthorizeUser(r.Context(), found.UserID)
}

func (h *Handler) handleDisassociate(w http.ResponseWriter, r *http.Request) {
	h.bySerial(w, r, "disassociate", h.manager.Disassociate)
}

func (h *Handler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	h.bySerial(w, r, "suspend", h.manager.Suspend)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.bySerial(w, r, "resume", h.manager.Resume)
}

type serialOp func(ctx context.Context, serialNumber, actor string) (*association.Association, error)

func (h *Handler) bySerial(w http.ResponseWriter, r *http.Request, action string, op serialOp) {
	var in serialInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	updated, err := op(r.Context(), in.SerialNumber, apihttp.Actor(r, "api"))
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, toResponse(*updated))
	h.auditor.Record(r, "association."+action, "association", strconv.FormatInt(updated.ID, 10), updated.SerialNumber, nil)
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	var in replaceInput
	if err := apihttp.DecodeJSON(r, &in); err != nil {
		apihttp.WriteError(w, err)
		return
	}
	result, err := h.manager.ReplaceDevice(r.Context(), assocapp.ReplaceRequest{
		OldSerialNumber: in.OldSerialNumber,
		NewSerialNumber: in.NewSerialNumber,
		Actor:           apihttp.Actor(r, "api"),
		Attributes:      in.attributesInput.toDomain(),
	})
	if err != nil {
		apihttp.WriteError(w, err)
		return
	}
	apihttp.WriteJSON(w, http.StatusOK, ReplaceResponse{
		Released: toResponse(result.Released),
		Created:  toResponse(result.Created),
		WindowID: result.Window.ID,
	})
	h.auditor.Record(r, "association.replace", "association", strconv.FormatInt(result.Created.ID, 10), result.Created.SerialNumber, map[string]any{
		"old_serial_number": result.Released.SerialNumber,
		"released_id":       result.Released.ID,
	})
}
