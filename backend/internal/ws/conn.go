package ws

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collab-core/backend/internal/collab"
	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/httpapi/middleware"
	"collab-core/backend/internal/ot"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20

	CodeBadMessage     = "BAD_MESSAGE"
	CodeNotJoined      = "NOT_JOINED"
	CodeUnknownMessage = "UNKNOWN_MESSAGE"
)

var palette = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#42d4f4", "#f032e6", "#469990"}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

type heldMessage struct {
	msg   OutboundMessage
	clock uint64
}

// Conn 是一个 websocket 会话：Connected -> Joined(doc) -> Connected -> Disconnected
type Conn struct {
	ws      *websocket.Conn
	hub     *Hub
	m       *Manager
	ident   middleware.Identity
	session entity.Session

	send      chan OutboundMessage
	done      chan struct{}
	closeOnce sync.Once
	seen      atomic.Int64

	mu    sync.Mutex
	doc   *collab.Coordinator
	docID string
	role  collab.Role
	// join 过程中到达的广播先攒着，welcome 发出后再按时钟过滤补发
	joining bool
	held    []heldMessage
}

func newConn(ws *websocket.Conn, m *Manager, ident middleware.Identity) *Conn {
	now := m.hub.now()
	c := &Conn{
		ws:    ws,
		hub:   m.hub,
		m:     m,
		ident: ident,
		session: entity.Session{
			ID:           uuid.NewString(),
			UserID:       ident.UserID,
			Username:     ident.Username,
			Role:         string(ident.Role),
			Color:        colorFor(ident.UserID),
			ConnectedAt:  now,
			LastActivity: now,
		},
		send: make(chan OutboundMessage, m.sendBuffer),
		done: make(chan struct{}),
	}
	c.seen.Store(now.UnixNano())
	return c
}

func (c *Conn) SessionID() string { return c.session.ID }

func (c *Conn) touch() { c.seen.Store(c.hub.now().UnixNano()) }

func (c *Conn) lastSeen() time.Time { return time.Unix(0, c.seen.Load()) }

// Close 可重复调用；关闭底层连接让 readLoop 退出
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue 非阻塞；缓冲满说明客户端跟不上，直接断开而不是丢掉有序广播
func (c *Conn) enqueue(msg OutboundMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("send buffer full, disconnect session=%s user=%s", c.session.ID, c.session.UserID)
		c.Close()
		return false
	}
}

func (c *Conn) deliver(msg OutboundMessage, clock uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining {
		c.held = append(c.held, heldMessage{msg: msg, clock: clock})
		return
	}
	c.enqueue(msg)
}

func (c *Conn) fail(code, message, opID string) {
	c.enqueue(ErrorMessage{Type: TypeError, Code: code, Message: message, OpID: opID})
}

func (c *Conn) failErr(err error, opID string) {
	c.fail(collab.ErrorCode(err), err.Error(), opID)
}

func (c *Conn) current() (*collab.Coordinator, string, collab.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joining {
		return nil, "", ""
	}
	return c.doc, c.docID, c.role
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Printf("ws write failed session=%s err=%v", c.session.ID, err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("ws read failed session=%s err=%v", c.session.ID, err)
			}
			return
		}
		c.touch()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.fail(CodeBadMessage, "invalid message", "")
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case TypeJoin:
		c.handleJoin(ctx, msg)
	case TypeLeave:
		docID := c.leave(ctx)
		if docID == "" {
			c.fail(CodeNotJoined, "not joined", "")
			return
		}
		c.enqueue(LeftMessage{Type: TypeLeft, DocID: docID})
	case TypeOperation:
		c.handleOperation(ctx, msg)
	case TypePresence:
		c.handlePresence(ctx, msg)
	case TypeComment:
		c.handleComment(ctx, msg)
	case TypeResolveComment:
		c.handleResolveComment(ctx, msg)
	case TypeSuggestion:
		c.handleSuggestion(ctx, msg)
	case TypeReview:
		c.handleReview(ctx, msg)
	case TypePing:
		now := c.hub.now()
		_, docID, _ := c.current()
		if err := c.m.sessions.UpdateSessionActivity(ctx, c.session.ID, docID, now); err != nil {
			log.Printf("update session activity failed session=%s err=%v", c.session.ID, err)
		}
		c.enqueue(PongMessage{Type: TypePong, Timestamp: now.UnixMilli()})
	default:
		c.fail(CodeUnknownMessage, "unknown message type "+msg.Type, "")
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.DocID == "" {
		c.fail(CodeBadMessage, "docId required", "")
		return
	}
	// 已在别的文档里：先离开
	c.leave(ctx)

	doc, err := c.m.registry.Join(ctx, msg.DocID, c.session.UserID)
	if err != nil {
		c.failErr(err, "")
		return
	}
	role := c.ident.RoleFor(msg.DocID)

	c.mu.Lock()
	c.doc, c.docID, c.role = doc, msg.DocID, role
	c.joining = true
	c.held = nil
	c.mu.Unlock()
	c.hub.Join(msg.DocID, c)

	welcome, err := c.welcome(ctx, doc, role, msg.LastClock)
	if err != nil {
		log.Printf("join failed doc=%s user=%s err=%v", msg.DocID, c.session.UserID, err)
		c.mu.Lock()
		c.doc, c.docID, c.role = nil, "", ""
		c.joining = false
		c.held = nil
		c.mu.Unlock()
		c.hub.Leave(msg.DocID, c)
		doc.Release()
		c.failErr(err, "")
		return
	}

	c.mu.Lock()
	c.enqueue(welcome)
	for _, h := range c.held {
		if _, isOps := h.msg.(OperationBroadcastMessage); isOps && h.clock <= welcome.Snapshot.Clock {
			continue
		}
		c.enqueue(h.msg)
	}
	c.held = nil
	c.joining = false
	c.mu.Unlock()

	now := c.hub.now()
	c.audit(ctx, msg.DocID, entity.AuditJoin, "role="+string(role), now)
	if err := c.m.sessions.UpdateSessionActivity(ctx, c.session.ID, msg.DocID, now); err != nil {
		log.Printf("update session activity failed session=%s err=%v", c.session.ID, err)
	}
	log.Printf("session joined doc=%s user=%s session=%s", msg.DocID, c.session.UserID, c.session.ID)
}

func (c *Conn) welcome(ctx context.Context, doc *collab.Coordinator, role collab.Role, lastClock uint64) (WelcomeMessage, error) {
	since := lastClock
	if since == 0 {
		since = doc.Clock()
	}
	st, err := doc.Catchup(ctx, since)
	if err != nil {
		return WelcomeMessage{}, err
	}

	// presence 失败不影响加入
	p := entity.Presence{UserID: c.session.UserID, Username: c.session.Username, Color: c.session.Color}
	if _, err := doc.UpdatePresence(ctx, p, c.session.ID); err != nil {
		log.Printf("presence join failed doc=%s user=%s err=%v", doc.DocID(), c.session.UserID, err)
	}
	users, err := doc.Presence(ctx)
	if err != nil {
		log.Printf("get presence failed doc=%s err=%v", doc.DocID(), err)
	}
	comments, err := doc.Comments(ctx)
	if err != nil {
		return WelcomeMessage{}, err
	}
	suggestions, err := doc.Suggestions(ctx)
	if err != nil {
		return WelcomeMessage{}, err
	}
	ops := st.Operations
	if ops == nil {
		ops = []ot.Operation{}
	}
	return WelcomeMessage{
		Type:        TypeWelcome,
		SessionID:   c.session.ID,
		DocID:       doc.DocID(),
		Role:        string(role),
		Snapshot:    st.Snapshot,
		Operations:  ops,
		Truncated:   st.Truncated,
		Users:       users,
		Comments:    comments,
		Suggestions: suggestions,
	}, nil
}

// leave 返回离开的文档，未加入时返回 ""
func (c *Conn) leave(ctx context.Context) string {
	c.mu.Lock()
	doc, docID := c.doc, c.docID
	c.doc, c.docID, c.role = nil, "", ""
	c.joining = false
	c.held = nil
	c.mu.Unlock()
	if doc == nil {
		return ""
	}

	// 同一用户还有别的标签页在这个文档里时保留光标
	if c.hub.Leave(docID, c) == 0 {
		if err := doc.RemovePresence(ctx, c.session.UserID, c.session.ID); err != nil {
			log.Printf("remove presence failed doc=%s user=%s err=%v", docID, c.session.UserID, err)
		}
	}
	doc.Release()

	now := c.hub.now()
	c.audit(ctx, docID, entity.AuditLeave, "", now)
	if err := c.m.sessions.UpdateSessionActivity(ctx, c.session.ID, "", now); err != nil && ctx.Err() == nil {
		log.Printf("update session activity failed session=%s err=%v", c.session.ID, err)
	}
	log.Printf("session left doc=%s user=%s session=%s", docID, c.session.UserID, c.session.ID)
	return docID
}

func (c *Conn) audit(ctx context.Context, docID string, action entity.AuditAction, detail string, at time.Time) {
	err := c.m.sessions.AuditLog(ctx, entity.AuditEntry{
		ID:        uuid.NewString(),
		DocID:     docID,
		UserID:    c.session.UserID,
		SessionID: c.session.ID,
		Action:    action,
		Detail:    detail,
		At:        at,
	})
	if err != nil {
		log.Printf("audit failed doc=%s action=%s err=%v", docID, action, err)
	}
}

// handleOperation 只做准入，结果异步回给本人：ack 或 error，不广播
func (c *Conn) handleOperation(ctx context.Context, msg ClientMessage) {
	doc, docID, role := c.current()
	if msg.Operation == nil {
		c.fail(CodeBadMessage, "operation required", "")
		return
	}
	op := *msg.Operation
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", op.ID)
		return
	}
	if op.DocID == "" {
		op.DocID = docID
	}

	ch, err := doc.Submit(ctx, op, c.session.UserID, role, c.session.ID)
	if err != nil {
		c.failErr(err, op.ID)
		return
	}
	go func(opID string) {
		res := <-ch
		if res.Err != nil {
			c.failErr(res.Err, opID)
			return
		}
		c.enqueue(OperationAckMessage{Type: TypeOperationAck, OpID: opID, Clock: res.Clock, Seq: res.Op.Seq})
	}(op.ID)
}

func (c *Conn) handlePresence(ctx context.Context, msg ClientMessage) {
	doc, _, _ := c.current()
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", "")
		return
	}
	if msg.Presence == nil {
		c.fail(CodeBadMessage, "presence required", "")
		return
	}
	p := *msg.Presence
	p.UserID = c.session.UserID
	p.Username = c.session.Username
	p.Color = c.session.Color
	if _, err := doc.UpdatePresence(ctx, p, c.session.ID); err != nil {
		c.failErr(err, "")
	}
}

func (c *Conn) handleComment(ctx context.Context, msg ClientMessage) {
	doc, _, role := c.current()
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", "")
		return
	}
	if msg.Comment == nil {
		c.fail(CodeBadMessage, "comment required", "")
		return
	}
	if _, err := doc.AddComment(ctx, *msg.Comment, c.session.UserID, role); err != nil {
		c.failErr(err, "")
	}
}

func (c *Conn) handleResolveComment(ctx context.Context, msg ClientMessage) {
	doc, _, role := c.current()
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", "")
		return
	}
	if msg.CommentID == "" {
		c.fail(CodeBadMessage, "commentId required", "")
		return
	}
	if _, err := doc.ResolveComment(ctx, msg.CommentID, role); err != nil {
		c.failErr(err, "")
	}
}

func (c *Conn) handleSuggestion(ctx context.Context, msg ClientMessage) {
	doc, _, role := c.current()
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", "")
		return
	}
	if msg.Suggestion == nil {
		c.fail(CodeBadMessage, "suggestion required", "")
		return
	}
	if _, err := doc.AddSuggestion(ctx, *msg.Suggestion, c.session.UserID, role); err != nil {
		c.failErr(err, msg.Suggestion.Operation.ID)
	}
}

// 接受建议要等一次 flush，放到 goroutine 里免得卡住读循环
func (c *Conn) handleReview(ctx context.Context, msg ClientMessage) {
	doc, _, role := c.current()
	if doc == nil {
		c.fail(CodeNotJoined, "not joined", "")
		return
	}
	if msg.SuggestionID == "" {
		c.fail(CodeBadMessage, "suggestionId required", "")
		return
	}
	go func() {
		if _, err := doc.ReviewSuggestion(ctx, msg.SuggestionID, msg.Accept, c.session.UserID, role, c.session.ID); err != nil {
			c.failErr(err, "")
		}
	}()
}
