package auth

import "strings"

// Role is an API role. Each role includes the rights of the ones below it.
type Role string

const (
	// RoleViewer reads status, events and reports.
	RoleViewer Role = "viewer"
	// RoleOperator may also reset and enable or disable the function.
	RoleOperator Role = "operator"
	// RoleAdmin may also change protection settings.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole validates a role string, ignoring case and surrounding space.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRanks[role] >= roleRanks[required] && roleRanks[role] > 0
}
