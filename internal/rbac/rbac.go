// Package rbac maps the plant roles onto the actions the messaging
// engine cares about. Roles are provisioned out-of-band; the engine
// only trusts what the session token carries.
package rbac

type Role string
type Action string

const (
	RoleTeam        Role = "team"         // production floor
	RoleProdManager Role = "prod_manager" // production management
	RoleLabManager  Role = "lab_manager"  // lab management
	RoleAdmin       Role = "admin"
)

const (
	ActionMessage  Action = "message"
	ActionFlash    Action = "flash"
	ActionEscalate Action = "escalate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleProdManager:
		return action == ActionMessage || action == ActionFlash || action == ActionEscalate
	case RoleTeam, RoleLabManager:
		return action == ActionMessage
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleTeam, RoleProdManager, RoleLabManager, RoleAdmin:
		return Role(role)
	default:
		return RoleTeam
	}
}
