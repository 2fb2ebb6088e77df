package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"collab-core/backend/internal/collab"
	"collab-core/backend/internal/httpapi/middleware"
	"collab-core/backend/internal/ot"
)

// DocumentHandler 提供 websocket 之外的只读追赶接口和手动压缩
type DocumentHandler struct {
	registry *collab.Registry
}

func NewDocumentHandler(registry *collab.Registry) *DocumentHandler {
	return &DocumentHandler{registry: registry}
}

func (h *DocumentHandler) Register(g *gin.RouterGroup) {
	g.GET("/documents/:docID/state", h.GetState)
	g.GET("/documents/:docID/comments", h.GetComments)
	g.POST("/documents/:docID/compact", h.Compact)
}

func statusFor(err error) int {
	var verr *ot.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, collab.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, collab.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, collab.ErrRateLimitExceeded), errors.Is(err, collab.ErrTooManyUsers):
		return http.StatusTooManyRequests
	case errors.Is(err, collab.ErrNotActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, collab.ErrDuplicateOperation), errors.Is(err, collab.ErrSuggestionReviewed), errors.Is(err, collab.ErrSuggestionStale):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWith(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
}

// GetState GET /documents/:docID/state?since=N
func (h *DocumentHandler) GetState(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	var since uint64
	if s := c.Query("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": "since must be a clock"})
			return
		}
		since = v
	}

	doc, err := h.registry.Open(c.Request.Context(), c.Param("docID"), id.UserID)
	if err != nil {
		abortWith(c, err)
		return
	}
	st, err := doc.Catchup(c.Request.Context(), since)
	if err != nil {
		abortWith(c, err)
		return
	}
	if st.Operations == nil {
		st.Operations = []ot.Operation{}
	}
	c.JSON(http.StatusOK, st)
}

func (h *DocumentHandler) GetComments(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	doc, err := h.registry.Open(c.Request.Context(), c.Param("docID"), id.UserID)
	if err != nil {
		abortWith(c, err)
		return
	}
	comments, err := doc.Comments(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

// Compact 仅 owner 可用
func (h *DocumentHandler) Compact(c *gin.Context) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED"})
		return
	}
	docID := c.Param("docID")
	if id.RoleFor(docID) != collab.RoleOwner {
		abortWith(c, collab.ErrPermissionDenied)
		return
	}
	doc, err := h.registry.Open(c.Request.Context(), docID, id.UserID)
	if err != nil {
		abortWith(c, err)
		return
	}
	res, err := doc.Compact(c.Request.Context())
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
