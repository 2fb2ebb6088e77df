package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"collab-core/backend/internal/collab"
	"collab-core/backend/internal/httpapi/middleware"
	"collab-core/backend/internal/store"
)

const (
	defaultSendBuffer = 256
	acquireTimeout    = time.Second
	cleanupTimeout    = 5 * time.Second
)

// SessionBackend 记录会话与审计
type SessionBackend interface {
	store.SessionStore
	store.AuditSink
}

type ManagerOptions struct {
	// 为空时只放行本地开发来源
	AllowedOrigins []string
	SendBuffer     int
}

type Manager struct {
	hub        *Hub
	registry   *collab.Registry
	sessions   SessionBackend
	sem        *collab.SemaphoreControl
	upgrader   websocket.Upgrader
	sendBuffer int
}

// NewManager 的 sem 限制同时在线的连接数，可以为 nil
func NewManager(h *Hub, registry *collab.Registry, sessions SessionBackend, sem *collab.SemaphoreControl, opt ManagerOptions) *Manager {
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = defaultSendBuffer
	}
	m := &Manager{hub: h, registry: registry, sessions: sessions, sem: sem, sendBuffer: opt.SendBuffer}
	m.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opt.AllowedOrigins)}
	return m
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		allowed = []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 非浏览器客户端可能不发送 Origin
			return true
		}
		for _, p := range allowed {
			if p == "*" || strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	ident, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if m.sem != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), acquireTimeout)
		err := m.sem.Acquire(ctx)
		cancel()
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}
		defer func() { _ = m.sem.Release() }()
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	m.Serve(c.Request.Context(), conn, ident)
}

// Serve 运行一个已升级的连接直到断开
func (m *Manager) Serve(ctx context.Context, conn *websocket.Conn, ident middleware.Identity) {
	wsConn := newConn(conn, m, ident)
	m.hub.register(wsConn)
	if err := m.sessions.CreateSession(ctx, wsConn.session); err != nil {
		log.Printf("create session failed session=%s user=%s err=%v", wsConn.session.ID, ident.UserID, err)
	}

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.readLoop(ctx)

	// 断开即隐式 leave
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	wsConn.leave(cleanupCtx)
	wsConn.Close()
	m.hub.unregister(wsConn)
	if err := m.sessions.DeleteSession(cleanupCtx, wsConn.session.ID); err != nil {
		log.Printf("delete session failed session=%s err=%v", wsConn.session.ID, err)
	}
}
