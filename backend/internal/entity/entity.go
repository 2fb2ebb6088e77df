package entity

import (
	"time"

	"collab-core/backend/internal/ot"
)

// Snapshot 是文档的物化状态：内容 + 时钟（已应用操作的高水位）+ 压缩用的版本号。
type Snapshot struct {
	DocID      string         `json:"docId"`
	Content    string         `json:"content"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Clock      uint64         `json:"clock"`
	Version    uint64         `json:"version"`
	CreatedBy  string         `json:"createdBy,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// DocumentState is a snapshot plus the log entries after a given clock.
// Truncated means some of those entries were already collected, so the
// operations alone cannot bring a replica at that clock up to date.
type DocumentState struct {
	Snapshot   Snapshot       `json:"snapshot"`
	Operations []ot.Operation `json:"operations"`
	Truncated  bool           `json:"truncated,omitempty"`
}

type Comment struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	DocID     string    `json:"docId" gorm:"index;type:varchar(64)"`
	UserID    string    `json:"userId" gorm:"type:varchar(64)"`
	Text      string    `json:"text" gorm:"type:text"`
	Position  int       `json:"position"`
	Length    int       `json:"length"`
	Resolved  bool      `json:"resolved" gorm:"default:false"`
	CreatedAt time.Time `json:"createdAt"`
}

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion carries an operation that is only applied when a reviewer accepts it.
type Suggestion struct {
	ID         string           `json:"id"`
	DocID      string           `json:"docId"`
	UserID     string           `json:"userId"`
	Operation  ot.Operation     `json:"operation"`
	Status     SuggestionStatus `json:"status"`
	ReviewedBy string           `json:"reviewedBy,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	ReviewedAt *time.Time       `json:"reviewedAt,omitempty"`
}

// Presence 是光标/输入状态，只广播，不进操作日志。
type Presence struct {
	DocID        string    `json:"docId"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username,omitempty"`
	Color        string    `json:"color,omitempty"`
	Cursor       int       `json:"cursor"`
	SelectionEnd int       `json:"selectionEnd,omitempty"`
	Typing       bool      `json:"typing"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Username     string    `json:"username,omitempty"`
	DocID        string    `json:"docId,omitempty"`
	Role         string    `json:"role,omitempty"`
	Color        string    `json:"color,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
}

type AuditAction string

const (
	AuditJoin               AuditAction = "JOIN"
	AuditLeave              AuditAction = "LEAVE"
	AuditSuggestionReviewed AuditAction = "SUGGESTION_REVIEWED"
	AuditCompaction         AuditAction = "COMPACTION"
)

type AuditEntry struct {
	ID        string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	DocID     string      `json:"docId" gorm:"index;type:varchar(64)"`
	UserID    string      `json:"userId" gorm:"type:varchar(64)"`
	SessionID string      `json:"sessionId,omitempty" gorm:"type:varchar(64)"`
	Action    AuditAction `json:"action" gorm:"type:varchar(32)"`
	Detail    string      `json:"detail,omitempty" gorm:"type:text"`
	At        time.Time   `json:"at"`
}

type CompactionRecord struct {
	ID                uint64 `gorm:"primaryKey;autoIncrement"`
	DocID             string `gorm:"index;type:varchar(64)"`
	OpsBefore         int
	OpsAfter          int
	TombstonesRemoved int64
	CreatedAt         time.Time
}
