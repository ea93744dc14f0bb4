package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NoticeLog records inbound sync notices that have been applied, so a
// redelivered notice is recognised after a restart.
type NoticeLog struct {
	db      *sql.DB
	dialect Dialect
	timeout time.Duration
}

func NewNoticeLog(db *sql.DB, d Dialect) *NoticeLog {
	return &NoticeLog{db: db, dialect: d, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether the notice id was already recorded.
func (l *NoticeLog) IsDuplicate(kind, noticeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var exists int
	err := l.db.QueryRowContext(ctx, l.dialect.Rebind(
		`SELECT 1 FROM processed_notices WHERE notice_id = $1 AND kind = $2 LIMIT 1`),
		noticeID, kind,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed records the notice. Recording twice is not an error.
func (l *NoticeLog) MarkProcessed(ctx context.Context, kind, noticeID string, at time.Time) error {
	_, err := l.db.ExecContext(ctx, l.dialect.Rebind(`
		INSERT INTO processed_notices (notice_id, kind, processed_at) VALUES ($1, $2, $3)
		ON CONFLICT (notice_id) DO NOTHING`),
		noticeID, kind, at.UnixMilli(),
	)
	return err
}

// RecentKeys returns up to limit "kind:id" keys, newest first, for warming
// the in-memory dedup cache on startup.
func (l *NoticeLog) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.Rebind(
		`SELECT kind, notice_id FROM processed_notices ORDER BY processed_at DESC LIMIT $1`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		keys = append(keys, kind+":"+id)
	}
	return keys, rows.Err()
}

// Prune deletes records older than the cutoff and returns how many went.
func (l *NoticeLog) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.dialect.Rebind(
		`DELETE FROM processed_notices WHERE processed_at < $1`), olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
