package auth

// Role names recognized in the whitelist file.
const (
	RoleOwner    = "owner"
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleMember   = "member"
)

// Permission strings granted to principals and checked by the tool registry.
const (
	PermGridRead    = "grid:read"
	PermGridWrite   = "grid:write"
	PermGridDelete  = "grid:delete"
	PermChatSend    = "chat:send"
	PermChatReceive = "chat:receive"
	PermSchedule    = "system:schedule"
	PermManage      = "system:manage"
)

// rolePermissions maps each role to its default capability grant.
// Unknown roles grant nothing; extra permissions come from the
// principal's whitelist entry.
var rolePermissions = map[string][]string{
	RoleOwner: {
		PermGridRead, PermGridWrite, PermGridDelete,
		PermChatSend, PermChatReceive,
		PermSchedule, PermManage,
	},
	RoleAdmin: {
		PermGridRead, PermGridWrite,
		PermChatSend, PermChatReceive,
		PermSchedule,
	},
	RoleOperator: {
		PermGridRead, PermGridWrite,
		PermChatSend, PermChatReceive,
	},
	RoleMember: {
		PermGridRead,
		PermChatSend, PermChatReceive,
	},
}

// PermissionsForRole returns a copy of the role's default permissions.
func PermissionsForRole(role string) []string {
	perms := rolePermissions[role]
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}
