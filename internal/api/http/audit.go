package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"device-association/internal/audit"
	"device-association/internal/auth"
)

// Auditor records mutating requests. A nil Auditor or nil logger is a no-op.
type Auditor struct {
	logger audit.Logger
	log    *slog.Logger
}

// NewAuditor constructs an Auditor.
func NewAuditor(logger audit.Logger, log *slog.Logger) *Auditor {
	if log == nil {
		log = slog.Default()
	}
	return &Auditor{logger: logger, log: log}
}

// Record writes one audit entry for r. Failures are logged and dropped.
func (a *Auditor) Record(r *http.Request, action, resourceType, resourceID, serialNumber string, meta map[string]any) {
	if a == nil || a.logger == nil {
		return
	}
	var raw json.RawMessage
	if len(meta) > 0 {
		raw, _ = json.Marshal(meta)
	}
	err := a.logger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		SerialNumber: serialNumber,
		Metadata:     raw,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		a.log.Warn("audit log failed", "action", action, "resource_id", resourceID, "err", err)
	}
}

// Actor returns the authenticated subject or fallback.
func Actor(r *http.Request, fallback string) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return fallback
}
