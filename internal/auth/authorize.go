package auth

// Principal is an authenticated identity together with its session.
type Principal struct {
	Identity    *Identity
	Session     *Session
	Permissions map[string]struct{}
}

// NewPrincipal resolves the permissions granted by the identity's role.
func NewPrincipal(id *Identity, sess *Session) Principal {
	set := make(map[string]struct{})
	if id != nil && id.Approved {
		for _, p := range rolePermissions[id.Role] {
			set[p] = struct{}{}
		}
	}
	return Principal{Identity: id, Session: sess, Permissions: set}
}

// HasPermission reports whether the principal can execute action identified by key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}
