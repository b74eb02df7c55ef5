// Package rbac holds the platform roles and the party-of-record checks the
// workflow relies on for authorization.
package rbac

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleTenant Role = "TENANT"
	RoleBroker Role = "BROKER"
	RoleAdmin  Role = "ADMIN"
)

func Normalize(role string) Role {
	switch Role(role) {
	case RoleOwner, RoleTenant, RoleBroker, RoleAdmin:
		return Role(role)
	default:
		return RoleTenant
	}
}

// IsBroker reports whether the caller may act as the broker side of a record.
func IsBroker(role Role) bool {
	return role == RoleBroker || role == RoleAdmin
}

// IsClient reports whether the caller may act as the invited/client side.
func IsClient(role Role) bool {
	return role == RoleOwner || role == RoleTenant || role == RoleAdmin
}

func IsAdmin(role Role) bool {
	return role == RoleAdmin
}

// SameParty reports whether the caller is the given party on a record.
// Admins pass every party check.
func SameParty(callerID string, role Role, partyID string) bool {
	if IsAdmin(role) {
		return true
	}
	return callerID != "" && callerID == partyID
}
