package ws

import (
	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

// 客户端 → 服务端，按 Type 取对应字段
type ClientMessage struct {
	Type         string             `json:"type"`
	DocID        string             `json:"docId,omitempty"`
	LastClock    uint64             `json:"lastClock,omitempty"`
	Operation    *ot.Operation      `json:"operation,omitempty"`
	Presence     *entity.Presence   `json:"presence,omitempty"`
	Comment      *entity.Comment    `json:"comment,omitempty"`
	Suggestion   *entity.Suggestion `json:"suggestion,omitempty"`
	SuggestionID string             `json:"suggestionId,omitempty"`
	Accept       bool               `json:"accept,omitempty"`
	CommentID    string             `json:"commentId,omitempty"`
}

const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeOperation      = "operation"
	TypePresence       = "presence"
	TypeComment        = "comment"
	TypeSuggestion     = "suggestion"
	TypeReview         = "review"
	TypeResolveComment = "resolve_comment"
	TypePing           = "ping"

	TypeWelcome            = "welcome"
	TypeOperationAck       = "operation_ack"
	TypeOperationBroadcast = "operation_broadcast"
	TypePresenceBroadcast  = "presence_broadcast"
	TypeCommentBroadcast   = "comment_broadcast"
	TypeSuggestionBcast    = "suggestion_broadcast"
	TypeSuggestionReviewed = "suggestion_reviewed"
	TypeError              = "error"
	TypePong               = "pong"
	TypeLeft               = "left"
)

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

type WelcomeMessage struct {
	Type        string              `json:"type"`
	SessionID   string              `json:"sessionId"`
	DocID       string              `json:"docId"`
	Role        string              `json:"role"`
	Snapshot    entity.Snapshot     `json:"snapshot"`
	Operations  []ot.Operation      `json:"operations"`
	Truncated   bool                `json:"truncated,omitempty"` // 操作不全，客户端应直接采用快照
	Users       []entity.Presence   `json:"users"`
	Comments    []entity.Comment    `json:"comments"`
	Suggestions []entity.Suggestion `json:"suggestions"`
}

// 只发给提交者本人。Seq 是它在该批次里的位置
type OperationAckMessage struct {
	Type  string `json:"type"`
	OpID  string `json:"opId"`
	Clock uint64 `json:"clock"`
	Seq   int    `json:"seq"`
}

// 一次 flush 的批次，去掉了接收者自己提交的操作，那些只通过 ack 确认
type OperationBroadcastMessage struct {
	Type       string         `json:"type"`
	DocID      string         `json:"docId"`
	Clock      uint64         `json:"clock"`
	Operations []ot.Operation `json:"operations"`
}

type PresenceMessage struct {
	Type     string          `json:"type"`
	DocID    string          `json:"docId"`
	Presence entity.Presence `json:"presence"`
	Left     bool            `json:"left,omitempty"`
}

type CommentMessage struct {
	Type    string         `json:"type"`
	DocID   string         `json:"docId"`
	Comment entity.Comment `json:"comment"`
}

type SuggestionMessage struct {
	Type       string            `json:"type"`
	DocID      string            `json:"docId"`
	Suggestion entity.Suggestion `json:"suggestion"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
	OpID    string `json:"opId,omitempty"`
}

type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type LeftMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId"`
}

func (m WelcomeMessage) MessageType() string            { return m.Type }
func (m OperationAckMessage) MessageType() string       { return m.Type }
func (m OperationBroadcastMessage) MessageType() string { return m.Type }
func (m PresenceMessage) MessageType() string           { return m.Type }
func (m CommentMessage) MessageType() string            { return m.Type }
func (m SuggestionMessage) MessageType() string         { return m.Type }
func (m ErrorMessage) MessageType() string              { return m.Type }
func (m PongMessage) MessageType() string               { return m.Type }
func (m LeftMessage) MessageType() string               { return m.Type }
