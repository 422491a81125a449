package realtime

import "strings"

// Role is the capacity a connection declares at handshake time.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleLawyer Role = "lawyer"
)

// ParseRole maps the handshake role parameter to a Role. Empty means RoleUser.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case "", RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleLawyer:
		return RoleLawyer, nil
	default:
		return "", ErrInvalidRole
	}
}

// IsStaff reports whether the role may receive unaddressed messages.
func (r Role) IsStaff() bool {
	return r == RoleAdmin || r == RoleLawyer
}
