package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

func OpenGorm(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{})
}

// suggestionRow is the table shape of entity.Suggestion; the embedded
// operation is stored as JSON.
type suggestionRow struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	DocID      string `gorm:"index;type:varchar(64)"`
	UserID     string `gorm:"type:varchar(64)"`
	Operation  string `gorm:"type:text"`
	Status     string `gorm:"type:varchar(16);index"`
	ReviewedBy string `gorm:"type:varchar(64)"`
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

func (suggestionRow) TableName() string { return "document_suggestions" }

func toSuggestionRow(s entity.Suggestion) (suggestionRow, error) {
	op, err := json.Marshal(s.Operation)
	if err != nil {
		return suggestionRow{}, err
	}
	return suggestionRow{
		ID:         s.ID,
		DocID:      s.DocID,
		UserID:     s.UserID,
		Operation:  string(op),
		Status:     string(s.Status),
		ReviewedBy: s.ReviewedBy,
		CreatedAt:  s.CreatedAt,
		ReviewedAt: s.ReviewedAt,
	}, nil
}

func (r suggestionRow) entity() (entity.Suggestion, error) {
	var op ot.Operation
	if err := json.Unmarshal([]byte(r.Operation), &op); err != nil {
		return entity.Suggestion{}, err
	}
	return entity.Suggestion{
		ID:         r.ID,
		DocID:      r.DocID,
		UserID:     r.UserID,
		Operation:  op,
		Status:     entity.SuggestionStatus(r.Status),
		ReviewedBy: r.ReviewedBy,
		CreatedAt:  r.CreatedAt,
		ReviewedAt: r.ReviewedAt,
	}, nil
}

// GormAnnotations stores comments, suggestions, the audit trail and the
// compaction log through gorm.
type GormAnnotations struct {
	db *gorm.DB
}

func NewGormAnnotations(db *gorm.DB) *GormAnnotations {
	return &GormAnnotations{db: db}
}

func (g *GormAnnotations) Migrate(ctx context.Context) error {
	return g.db.WithContext(ctx).AutoMigrate(
		&entity.Comment{},
		&suggestionRow{},
		&entity.AuditEntry{},
		&entity.CompactionRecord{},
	)
}

func (g *GormAnnotations) AddComment(ctx context.Context, c entity.Comment) error {
	return g.db.WithContext(ctx).Create(&c).Error
}

func (g *GormAnnotations) GetComments(ctx context.Context, docID string) ([]entity.Comment, error) {
	var out []entity.Comment
	err := g.db.WithContext(ctx).Where("doc_id = ?", docID).Order("created_at").Find(&out).Error
	return out, err
}

func (g *GormAnnotations) ResolveComment(ctx context.Context, docID, commentID string) error {
	res := g.db.WithContext(ctx).Model(&entity.Comment{}).
		Where("doc_id = ? AND id = ?", docID, commentID).
		Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 已解决的评论再次解决也算成功
		var n int64
		if err := g.db.WithContext(ctx).Model(&entity.Comment{}).
			Where("doc_id = ? AND id = ?", docID, commentID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
	}
	return nil
}

func (g *GormAnnotations) AddSuggestion(ctx context.Context, s entity.Suggestion) error {
	row, err := toSuggestionRow(s)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Create(&row).Error
}

func (g *GormAnnotations) GetSuggestions(ctx context.Context, docID string) ([]entity.Suggestion, error) {
	var rows []suggestionRow
	if err := g.db.WithContext(ctx).Where("doc_id = ?", docID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]entity.Suggestion, 0, len(rows))
	for _, r := range rows {
		s, err := r.entity()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *GormAnnotations) GetSuggestion(ctx context.Context, docID, suggestionID string) (*entity.Suggestion, error) {
	var row suggestionRow
	err := g.db.WithContext(ctx).Where("doc_id = ? AND id = ?", docID, suggestionID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s, err := row.entity()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *GormAnnotations) UpdateSuggestionStatus(ctx context.Context, docID, suggestionID string, from, to entity.SuggestionStatus, reviewer string, at time.Time) error {
	fields := map[string]any{"status": string(to), "reviewed_by": reviewer, "reviewed_at": at}
	if to == entity.SuggestionPending {
		fields["reviewed_by"], fields["reviewed_at"] = "", nil
	}
	res := g.db.WithContext(ctx).Model(&suggestionRow{}).
		Where("doc_id = ? AND id = ? AND status = ?", docID, suggestionID, string(from)).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// 区分不存在和状态已被别人改掉
	if _, err := g.GetSuggestion(ctx, docID, suggestionID); err != nil {
		return err
	}
	return ErrConflict
}

func (g *GormAnnotations) AuditLog(ctx context.Context, e entity.AuditEntry) error {
	return g.db.WithContext(ctx).Create(&e).Error
}

func (g *GormAnnotations) LogCompaction(ctx context.Context, docID string, opsBefore, opsAfter int, tombstonesRemoved int64) error {
	rec := entity.CompactionRecord{
		DocID:             docID,
		OpsBefore:         opsBefore,
		OpsAfter:          opsAfter,
		TombstonesRemoved: tombstonesRemoved,
		CreatedAt:         time.Now(),
	}
	return g.db.WithContext(ctx).Create(&rec).Error
}
