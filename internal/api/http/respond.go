// Package apihttp holds the request decoding, response encoding and error
// mapping shared by the REST handlers.
package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	association "device-association/internal/association/domain"
	"device-association/internal/auth"
	lifecycle "device-association/internal/lifecycle/domain"
	provisioning "device-association/internal/provisioning/application"
	"device-association/internal/qualifier"
	readiness "device-association/internal/readiness/domain"
	"device-association/internal/store"
	vehiclesync "device-association/internal/vehiclesync/domain"
)

const maxBodyBytes = 1 << 20

// ErrBadRequest marks a malformed request.
var ErrBadRequest = errors.New("bad request")

// ErrorBody is the JSON error payload.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON encodes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status code and writes it.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), ErrorBody{Error: err.Error()})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, provisioning.ErrInvalidRequest),
		errors.Is(err, readiness.ErrInvalidKey),
		errors.Is(err, association.ErrEmptySerialNumber),
		errors.Is(err, association.ErrEmptyUserID),
		errors.Is(err, lifecycle.ErrEmptySerialNumber),
		errors.Is(err, qualifier.ErrEmptySerialNumber),
		errors.Is(err, vehiclesync.ErrEmptyVIN):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, association.ErrNotFound),
		errors.Is(err, readiness.ErrWindowNotFound),
		errors.Is(err, lifecycle.ErrDeviceNotFound),
		errors.Is(err, vehiclesync.ErrRegistryRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, association.ErrAlreadyAssociated),
		errors.Is(err, lifecycle.ErrDeviceExists),
		errors.Is(err, lifecycle.ErrDeviceIDAlreadyIssued),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, association.ErrDeviceNotActivatable),
		errors.Is(err, association.ErrInvalidStatusChange),
		errors.Is(err, lifecycle.ErrInvalidStateTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vehiclesync.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, vehiclesync.ErrRegistryAuthFailed),
		errors.Is(err, vehiclesync.ErrRegistrySyncFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON reads a bounded JSON body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body error", ErrBadRequest)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", ErrBadRequest)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: invalid json", ErrBadRequest)
	}
	return nil
}

// PathSegments returns the non-empty path segments after prefix.
func PathSegments(path, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// ParseID parses a positive int64 id.
func ParseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrBadRequest, value)
	}
	return id, nil
}

// MethodNotAllowed writes 405.
func MethodNotAllowed(w http.ResponseWriter) {
	w.WriteHeader(http.StatusMethodNotAllowed)
}
