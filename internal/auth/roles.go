package auth

import "strings"

// Role represents a caller role. Users act only on their own associations;
// operators run day-to-day association changes; admins also provision devices
// and replace hardware.
type Role string

const (
	RoleUser     Role = "user"
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// RoleUser ranks below every policy role and is admitted only on
// self-service routes.
var roleRanks = map[Role]int{
	RoleUser:     0,
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required]
}
