package rbac

type Role string
type Action string

const (
	RolePending Role = "pending"
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionTrack  Action = "track"
	ActionImport Action = "import"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionTrack || action == ActionImport
	case RolePending:
		return action == ActionRead
	default:
		return false
	}
}

// FromAccount maps an account's flags onto its role.
func FromAccount(approved, privileged bool) Role {
	switch {
	case privileged:
		return RoleAdmin
	case approved:
		return RoleMember
	default:
		return RolePending
	}
}
