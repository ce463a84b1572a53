// Package auth defines the permission model consumed by the event fan-out.
// Token issuance and claim composition live in the outer API layer; the core
// only checks permissions on already-resolved principals.
package auth

// Permission gates access to live monitoring data.
type Permission string

const (
	PermViewMonitoring Permission = "view_monitoring"
	PermManageConfig   Permission = "manage_config"
	PermTriggerProbes  Permission = "trigger_probes"
	PermAdmin          Permission = "admin"
)

// Role describes a user role in the monitoring auth model.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// RolePermissions returns permissions granted to a role.
func RolePermissions(role Role) []Permission {
	switch role {
	case RoleAdmin:
		return []Permission{PermAdmin}
	case RoleOperator:
		return []Permission{PermViewMonitoring, PermTriggerProbes, PermManageConfig}
	case RoleViewer:
		return []Permission{PermViewMonitoring}
	default:
		return []Permission{}
	}
}

// Principal is the resolved identity behind one live subscription.
type Principal struct {
	Subject     string
	Roles       []Role
	Permissions []Permission
}

// Has reports whether the principal holds perm, directly, via a role, or via
// admin.
func (p Principal) Has(perm Permission) bool {
	for _, have := range p.Permissions {
		if have == perm || have == PermAdmin {
			return true
		}
	}
	for _, role := range p.Roles {
		for _, have := range RolePermissions(role) {
			if have == perm || have == PermAdmin {
				return true
			}
		}
	}
	return false
}

// Policy is the authorization hook the fan-out consults per subscriber.
type Policy interface {
	CanView(p Principal) bool
}

// PermissionPolicy grants viewing to principals holding view_monitoring.
type PermissionPolicy struct{}

func (PermissionPolicy) CanView(p Principal) bool { return p.Has(PermViewMonitoring) }
