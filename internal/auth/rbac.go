package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of account roles.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperagent Role = "superagent"
	RoleAgent      Role = "agent"
	RoleClient     Role = "client"
	RoleViewer     Role = "viewer"
)

// authority orders roles; higher outranks lower.
var authority = map[Role]int{
	RoleAdmin:      4,
	RoleSuperagent: 3,
	RoleAgent:      2,
	RoleClient:     1,
	RoleViewer:     0,
}

// approvable lists the group roles each approver role may grant.
var approvable = map[Role][]Role{
	RoleAdmin:      {RoleAdmin, RoleSuperagent, RoleAgent, RoleClient, RoleViewer},
	RoleSuperagent: {RoleSuperagent, RoleAgent, RoleClient, RoleViewer},
	RoleAgent:      {RoleClient, RoleViewer},
}

// ParseRole converts user input into a Role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := authority[r]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return r, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := authority[r]
	return ok
}

// Outranks reports whether r has at least the authority of other.
func (r Role) Outranks(other Role) bool {
	a, ok := authority[r]
	if !ok {
		return false
	}
	b, ok := authority[other]
	if !ok {
		return false
	}
	return a >= b
}

// CanApproveInto reports whether an approver with role r may place an identity into a
// group whose role is target.
func (r Role) CanApproveInto(target Role) bool {
	for _, allowed := range approvable[r] {
		if allowed == target {
			return true
		}
	}
	return false
}

// Privileged reports whether r can act on any identity regardless of organization.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperagent
}

// DefaultGroups is the group catalog seeded into fresh stores.
var DefaultGroups = []Group{
	{Name: "Admin", Role: RoleAdmin, AllowMultipleOrganizations: true},
	{Name: "Superagent", Role: RoleSuperagent, AllowMultipleOrganizations: true},
	{Name: "Agent", Role: RoleAgent, AllowMultipleOrganizations: true},
	{Name: "Klient", Role: RoleClient},
	{Name: "Viewer", Role: RoleViewer},
}

// RegistrationGroup is the group new identities hold until approval.
const RegistrationGroup = "Klient"

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
