// Package rbac maps chronicle workspace roles onto what a sync connection may
// do with a document.
package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionWrite    Action = "write"
	ActionPresence Action = "presence"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionPresence
	case RoleCommenter, RoleViewer:
		return action == ActionRead || action == ActionPresence
	default:
		return false
	}
}

// Parse accepts role names case-insensitively. Unknown roles are rejected
// rather than defaulted so a malformed credential grants nothing.
func Parse(role string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Access is the resolved permission pair for one principal on one document.
type Access struct {
	Read  bool
	Write bool
}

// Admits reports whether the connection may be opened at all. Either
// permission is sufficient.
func (a Access) Admits() bool {
	return a.Read || a.Write
}

func AccessFor(role Role) Access {
	return Access{Read: Can(role, ActionRead), Write: Can(role, ActionWrite)}
}
