package collab

import "strings"

// Role is resolved by the identity collaborator; the core only checks it.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
)

// ParseRole is lenient about case; anything unknown is a viewer.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleOwner, RoleEditor, RoleCommenter, RoleViewer:
		return r
	}
	return RoleViewer
}

func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

func (r Role) CanComment() bool {
	return r.CanEdit() || r == RoleCommenter
}
