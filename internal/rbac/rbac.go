// Package rbac maps tenant membership roles to the actions they allow.
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
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	// ActionAdmin covers membership changes such as seat assignment.
	ActionAdmin Action = "admin"
)

var grants = map[Role][]Action{
	RoleViewer:    {ActionRead},
	RoleCommenter: {ActionRead, ActionComment},
	RoleEditor:    {ActionRead, ActionComment, ActionWrite},
	RoleAdmin:     {ActionRead, ActionComment, ActionWrite, ActionAdmin},
}

func Can(role Role, action Action) bool {
	for _, granted := range grants[role] {
		if granted == action {
			return true
		}
	}
	return false
}

// Normalize maps a stored role onto a known one. Unknown roles only read.
func Normalize(role string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if _, ok := grants[r]; ok {
		return r
	}
	return RoleViewer
}

// Valid reports whether role names one of the known membership roles.
func Valid(role string) bool {
	_, ok := grants[Role(strings.ToLower(strings.TrimSpace(role)))]
	return ok
}
