package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"collab-core/backend/internal/entity"
	"collab-core/backend/internal/ot"
)

const mysqlDuplicateEntry = 1062

var schema = []string{
	`CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id VARCHAR(64) NOT NULL,
		clock BIGINT UNSIGNED NOT NULL,
		version BIGINT UNSIGNED NOT NULL,
		content LONGTEXT NOT NULL,
		attributes JSON NULL,
		created_by VARCHAR(64) NOT NULL DEFAULT '',
		updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
		PRIMARY KEY (document_id, clock)
	)`,
	`CREATE TABLE IF NOT EXISTS document_operations (
		document_id VARCHAR(64) NOT NULL,
		op_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		position INT NOT NULL,
		length INT NOT NULL DEFAULT 0,
		text LONGTEXT NULL,
		clock BIGINT UNSIGNED NOT NULL,
		seq INT NOT NULL DEFAULT 0,
		op_timestamp DATETIME(6) NOT NULL,
		tombstoned_at DATETIME(6) NULL,
		PRIMARY KEY (document_id, op_id),
		KEY idx_doc_clock (document_id, clock, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS document_log_horizon (
		document_id VARCHAR(64) NOT NULL,
		collected_clock BIGINT UNSIGNED NOT NULL,
		PRIMARY KEY (document_id)
	)`,
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

// MySQLLog keeps snapshots and the operation log in MySQL. Snapshots are
// append-only rows keyed by (document_id, clock); the newest one wins.
type MySQLLog struct{ db *sql.DB }

func NewMySQLLog(db *sql.DB) *MySQLLog {
	return &MySQLLog{db: db}
}

func (s *MySQLLog) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *MySQLLog) latestSnapshot(ctx context.Context, docID string) (*entity.Snapshot, error) {
	var (
		snap  entity.Snapshot
		attrs sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, clock, version, content, attributes, created_by, updated_at
		FROM document_snapshots WHERE document_id = ?
		ORDER BY clock DESC LIMIT 1`,
		docID,
	).Scan(&snap.DocID, &snap.Clock, &snap.Version, &snap.Content, &attrs, &snap.CreatedBy, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &snap.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes doc=%s: %w", docID, err)
		}
	}
	return &snap, nil
}

func (s *MySQLLog) GetOrCreateSnapshot(ctx context.Context, docID, userID, initialContent string) (*entity.Snapshot, error) {
	snap, err := s.latestSnapshot(ctx, docID)
	if !errors.Is(err, ErrNotFound) {
		return snap, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, clock, version, content, created_by, updated_at)
		VALUES (?, 0, 0, ?, ?, ?)`,
		docID, initialContent, userID, time.Now(),
	)
	// 并发创建时另一个实例已经插入了 clock=0 的行
	if err != nil && !isDuplicate(err) {
		return nil, err
	}
	return s.latestSnapshot(ctx, docID)
}

func (s *MySQLLog) GetDocumentState(ctx context.Context, docID string, sinceClock uint64) (*entity.DocumentState, error) {
	snap, err := s.latestSnapshot(ctx, docID)
	if err != nil {
		return nil, err
	}
	horizon, err := s.collectedClock(ctx, docID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id, user_id, kind, position, length, text, clock, seq, op_timestamp
		FROM document_operations
		WHERE document_id = ? AND clock > ?
		ORDER BY clock, seq`,
		docID, sinceClock,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	state := &entity.DocumentState{Snapshot: *snap, Truncated: horizon > sinceClock}
	for rows.Next() {
		var (
			op   ot.Operation
			text sql.NullString
		)
		if err := rows.Scan(&op.ID, &op.UserID, &op.Kind, &op.Position, &op.Length, &text, &op.Clock, &op.Seq, &op.Timestamp); err != nil {
			return nil, err
		}
		op.DocID = docID
		op.Text = text.String
		state.Operations = append(state.Operations, op)
	}
	return state, rows.Err()
}

func (s *MySQLLog) UpdateSnapshot(ctx context.Context, docID, content string, attrs map[string]any, clock uint64) error {
	var encoded any
	if attrs != nil {
		b, err := json.Marshal(attrs)
		if err != nil {
			return err
		}
		encoded = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, clock, version, content, attributes, created_by, updated_at)
		SELECT ?, ?, COALESCE(MAX(version), 0) + 1, ?, ?, COALESCE(MIN(created_by), ''), ?
		FROM document_snapshots WHERE document_id = ?`,
		docID, clock, content, encoded, time.Now(), docID,
	)
	if err != nil {
		if isDuplicate(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *MySQLLog) AppendOperations(ctx context.Context, ops []ot.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_operations
		(document_id, op_id, user_id, kind, position, length, text, clock, seq, op_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, op := range ops {
		_, err := stmt.ExecContext(ctx,
			op.DocID, op.ID, op.UserID, string(op.Kind), op.Position, op.Length, op.Text, op.Clock, op.Seq, op.Timestamp,
		)
		if err != nil && !isDuplicate(err) {
			return fmt.Errorf("append op=%s doc=%s: %w", op.ID, op.DocID, err)
		}
	}
	return tx.Commit()
}

func (s *MySQLLog) LiveOperationIDs(ctx context.Context, docID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT op_id FROM document_operations
		WHERE document_id = ? AND tombstoned_at IS NULL
		ORDER BY clock, seq`,
		docID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MySQLLog) MarkTombstones(ctx context.Context, docID string, opIDs []string) error {
	if len(opIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(opIDs)+2)
	args = append(args, time.Now(), docID)
	for _, id := range opIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(opIDs)), ",")
	_, err := s.db.ExecContext(ctx,
		`UPDATE document_operations SET tombstoned_at = ?
		WHERE document_id = ? AND tombstoned_at IS NULL AND op_id IN (`+placeholders+`)`,
		args...,
	)
	return err
}

// collectedClock is the newest clock GarbageCollect removed, 0 when nothing
// was collected yet.
func (s *MySQLLog) collectedClock(ctx context.Context, docID string) (uint64, error) {
	var clock uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT collected_clock FROM document_log_horizon WHERE document_id = ?`,
		docID,
	).Scan(&clock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return clock, err
}

func (s *MySQLLog) GarbageCollect(ctx context.Context, docID string, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var newest sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(clock) FROM document_operations
		WHERE document_id = ? AND tombstoned_at IS NOT NULL AND tombstoned_at < ?
		FOR UPDATE`,
		docID, olderThan,
	).Scan(&newest)
	if err != nil {
		return 0, err
	}
	if !newest.Valid {
		return 0, nil
	}
	// 水位只升不降，先于删除写入
	_, err = tx.ExecContext(ctx,
		`INSERT INTO document_log_horizon (document_id, collected_clock) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE collected_clock = GREATEST(collected_clock, VALUES(collected_clock))`,
		docID, newest.Int64,
	)
	if err != nil {
		return 0, fmt.Errorf("raise horizon doc=%s: %w", docID, err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM document_operations
		WHERE document_id = ? AND tombstoned_at IS NOT NULL AND tombstoned_at < ?`,
		docID, olderThan,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
