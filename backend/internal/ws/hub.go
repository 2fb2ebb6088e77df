package ws

import (
	"log"
	"sync"
	"time"

	"collab-core/backend/internal/collab"
	"collab-core/backend/internal/ot"
)

const (
	defaultHeartbeatTimeout       = 60 * time.Second
	defaultHeartbeatCheckInterval = 30 * time.Second
)

// Hub 维护 docID -> 连接集合 以及 sessionID -> 连接，并实现 collab.EventSink 把文档事件扇出到房间。
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*Conn]struct{}
	sessions map[string]*Conn

	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	now              func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ collab.EventSink = (*Hub)(nil)

func NewHub(heartbeatTimeout, checkInterval time.Duration) *Hub {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	if checkInterval <= 0 {
		checkInterval = defaultHeartbeatCheckInterval
	}
	return &Hub{
		rooms:            make(map[string]map[*Conn]struct{}),
		sessions:         make(map[string]*Conn),
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		now:              time.Now,
		stop:             make(chan struct{}),
	}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.sessions[c.session.ID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if h.sessions[c.session.ID] == c {
		delete(h.sessions, c.session.ID)
	}
	h.mu.Unlock()
}

// Join 把连接加入文档房间
func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[docID]
	if room == nil {
		room = make(map[*Conn]struct{})
		h.rooms[docID] = room
	}
	room[c] = struct{}{}
}

// Leave 从房间移除；返回同一用户在该房间里剩余的连接数
func (h *Hub) Leave(docID string, c *Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[docID]
	if room == nil {
		return 0
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, docID)
		return 0
	}
	n := 0
	for other := range room {
		if other.session.UserID == c.session.UserID {
			n++
		}
	}
	return n
}

func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) members(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[docID]
	out := make([]*Conn, 0, len(room))
	for c := range room {
		out = append(out, c)
	}
	return out
}

// Publish 在文档的 flush 串行区内被调用，不能阻塞：发送缓冲满的连接直接断开。
func (h *Hub) Publish(ev collab.Event) {
	if ev.Kind == collab.EventOperations {
		h.publishOperations(ev)
		return
	}
	msg := eventMessage(ev)
	if msg == nil {
		return
	}
	for _, c := range h.members(ev.DocID) {
		if ev.Exclude != "" && ev.Exclude == c.session.ID {
			continue
		}
		c.deliver(msg, ev.Clock)
	}
}

// 提交者的 ack 在 Publish 之后才发出，所以广播里不能带它自己的操作
func (h *Hub) publishOperations(ev collab.Event) {
	for _, c := range h.members(ev.DocID) {
		ops := visibleOps(ev, c.session.ID)
		if len(ops) == 0 {
			continue
		}
		c.deliver(OperationBroadcastMessage{
			Type:       TypeOperationBroadcast,
			DocID:      ev.DocID,
			Clock:      ev.Clock,
			Operations: ops,
		}, ev.Clock)
	}
}

// visibleOps 是批次里不是 sessionID 提交的那部分，保持原顺序和 Seq
func visibleOps(ev collab.Event, sessionID string) []ot.Operation {
	if len(ev.Origins) != len(ev.Operations) {
		return ev.Operations
	}
	var out []ot.Operation
	for i, op := range ev.Operations {
		if ev.Origins[i] != sessionID {
			out = append(out, op)
		}
	}
	return out
}

func eventMessage(ev collab.Event) OutboundMessage {
	switch ev.Kind {
	case collab.EventPresence, collab.EventPresenceLeft:
		if ev.Presence == nil {
			return nil
		}
		return PresenceMessage{Type: TypePresenceBroadcast, DocID: ev.DocID, Presence: *ev.Presence, Left: ev.Kind == collab.EventPresenceLeft}
	case collab.EventComment:
		if ev.Comment == nil {
			return nil
		}
		return CommentMessage{Type: TypeCommentBroadcast, DocID: ev.DocID, Comment: *ev.Comment}
	case collab.EventSuggestion, collab.EventSuggestionReviewed:
		if ev.Suggestion == nil {
			return nil
		}
		t := TypeSuggestionBcast
		if ev.Kind == collab.EventSuggestionReviewed {
			t = TypeSuggestionReviewed
		}
		return SuggestionMessage{Type: t, DocID: ev.DocID, Suggestion: *ev.Suggestion}
	}
	return nil
}

// Reap 断开超过 heartbeatTimeout 没有任何消息的会话
func (h *Hub) Reap() int {
	deadline := h.now().Add(-h.heartbeatTimeout)
	h.mu.RLock()
	var stale []*Conn
	for _, c := range h.sessions {
		if c.lastSeen().Before(deadline) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		log.Printf("heartbeat timeout, disconnect session=%s user=%s", c.session.ID, c.session.UserID)
		c.Close()
	}
	return len(stale)
}

// Run 启动心跳检查
func (h *Hub) Run() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(h.checkInterval)
		defer t.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-t.C:
				h.Reap()
			}
		}
	}()
}

// Close 停止心跳检查并断开所有连接
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.sessions))
	for _, c := range h.sessions {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}
