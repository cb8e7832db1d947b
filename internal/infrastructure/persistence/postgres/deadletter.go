package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Di-mitt/my-telegram-bot/internal/ingest"
)

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER JOURNAL
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetter is one journaled update.
type DeadLetter struct {
	ID         int64
	UpdateID   int64
	Reason     string
	Payload    []byte
	ReceivedAt time.Time
	RecordedAt time.Time
}

// DeadLetterJournal records updates the ingestion layer had to drop. It is
// wired in as the pending buffer's loss hook, so inserts must never block
// the HTTP path for long; callers pass a context with a short deadline.
type DeadLetterJournal struct {
	conn *Connection
}

// NewDeadLetterJournal creates a journal backed by the given connection.
func NewDeadLetterJournal(conn *Connection) *DeadLetterJournal {
	return &DeadLetterJournal{conn: conn}
}

// Record journals one dropped envelope with the reason it was lost.
func (j *DeadLetterJournal) Record(ctx context.Context, env *ingest.Envelope, reason string) error {
	_, err := j.conn.Exec(ctx, `
		INSERT INTO dead_letter_updates (update_id, reason, payload, received_at)
		VALUES ($1, $2, $3, $4)
	`, env.UpdateID, reason, []byte(env.Raw), env.ReceivedAt)
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// Recent returns the most recently journaled updates, newest first.
func (j *DeadLetterJournal) Recent(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.conn.Query(ctx, `
		SELECT id, update_id, reason, payload, received_at, recorded_at
		FROM dead_letter_updates
		ORDER BY recorded_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.UpdateID, &dl.Reason, &dl.Payload, &dl.ReceivedAt, &dl.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	return letters, rows.Err()
}

// Purge deletes journal entries older than the cutoff and returns how many
// rows were removed.
func (j *DeadLetterJournal) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := j.conn.Exec(ctx, `
		DELETE FROM dead_letter_updates WHERE recorded_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunRetention purges entries older than retention on the given interval
// until the context ends. Failures are logged, never fatal.
func (j *DeadLetterJournal) RunRetention(ctx context.Context, interval, retention time.Duration, log *slog.Logger) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			removed, err := j.Purge(purgeCtx, time.Now().Add(-retention))
			cancel()
			if err != nil {
				log.Warn("dead letter purge failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("dead letter journal purged", "removed", removed)
			}
		}
	}
}
