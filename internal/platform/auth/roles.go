package auth

import "fmt"

// Role is the closed set of principal roles known to the platform.
type Role string

const (
	RolePatient   Role = "patient"
	RoleTherapist Role = "therapist"
	RoleCounselor Role = "counselor"
	RoleAdmin     Role = "admin"
)

// ParseRole converts a raw claim string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient, RoleTherapist, RoleCounselor, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Responder reports whether the role is permitted to view and act on
// crisis-room events.
func (r Role) Responder() bool {
	switch r {
	case RoleTherapist, RoleCounselor, RoleAdmin:
		return true
	}
	return false
}

func (r Role) String() string {
	return string(r)
}
