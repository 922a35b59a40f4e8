package auth

import (
	"context"
	"fmt"
	"strings"
)

type contextKey string

const (
	contextKeyRole    contextKey = "auth.role"
	contextKeySubject contextKey = "auth.subject"
)

// WithIdentity stores auth identity details in context.
func WithIdentity(ctx context.Context, role Role, subject string) context.Context {
	ctx = context.WithValue(ctx, contextKeyRole, role)
	ctx = context.WithValue(ctx, contextKeySubject, subject)
	return ctx
}

// RoleFromContext extracts role from context.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeyRole)
	if role, ok := value.(Role); ok {
		return role
	}
	if role, ok := value.(string); ok {
		if normalized, valid := NormalizeRole(role); valid {
			return normalized
		}
	}
	return ""
}

// SubjectFromContext extracts subject from context.
func SubjectFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value := ctx.Value(contextKeySubject)
	if subject, ok := value.(string); ok {
		return subject
	}
	return ""
}

// AuthorizeUser checks that the caller may act for userID. Only RoleUser
// callers are restricted, and only to their own subject. Requests without
// an identity pass; route-level checks are the middleware's job.
func AuthorizeUser(ctx context.Context, userID string) error {
	if RoleFromContext(ctx) != RoleUser {
		return nil
	}
	subject := SubjectFromContext(ctx)
	if subject == "" || subject != strings.TrimSpace(userID) {
		return fmt.Errorf("%w: subject %q may not act for user %q", ErrForbidden, subject, userID)
	}
	return nil
}
