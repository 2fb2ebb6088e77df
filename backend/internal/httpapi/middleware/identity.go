package middleware

import (
	"github.com/gin-gonic/gin"

	"collab-core/backend/internal/collab"
)

// gin.Context 中的键
const (
	KeyUserID   = "userId"
	KeyUsername = "username"
	KeyRole     = "role"
	KeyDocRoles = "docRoles"
)

// Identity 是鉴权结果；用户 id 对核心来说是不透明字符串
type Identity struct {
	UserID   string
	Username string
	Role     collab.Role
	DocRoles map[string]collab.Role
}

// RoleFor 优先用文档级角色，没有时退回全局角色
func (id Identity) RoleFor(docID string) collab.Role {
	if r, ok := id.DocRoles[docID]; ok {
		return r
	}
	if id.Role == "" {
		return collab.RoleViewer
	}
	return id.Role
}

func IdentityFromContext(c *gin.Context) (Identity, bool) {
	userID := c.GetString(KeyUserID)
	if userID == "" {
		return Identity{}, false
	}
	id := Identity{
		UserID:   userID,
		Username: c.GetString(KeyUsername),
		Role:     collab.ParseRole(c.GetString(KeyRole)),
	}
	if docRoles := c.GetStringMapString(KeyDocRoles); len(docRoles) > 0 {
		id.DocRoles = make(map[string]collab.Role, len(docRoles))
		for doc, r := range docRoles {
			id.DocRoles[doc] = collab.ParseRole(r)
		}
	}
	return id, true
}

func setIdentity(c *gin.Context, cl *Claims) {
	c.Set(KeyUserID, cl.UserID)
	c.Set(KeyUsername, cl.Username)
	c.Set(KeyRole, cl.Role)
	if len(cl.DocRoles) > 0 {
		c.Set(KeyDocRoles, cl.DocRoles)
	}
}
