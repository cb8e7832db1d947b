package postgres

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE DEAD LETTER UPDATES
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create dead_letter_updates table
-- Version: 001

CREATE TABLE IF NOT EXISTS dead_letter_updates (
    id BIGSERIAL PRIMARY KEY,
    update_id BIGINT NOT NULL,
    reason VARCHAR(30) NOT NULL,
    payload JSONB NOT NULL,
    received_at TIMESTAMP WITH TIME ZONE NOT NULL,
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_dead_letter_update_id ON dead_letter_updates(update_id);
CREATE INDEX IF NOT EXISTS idx_dead_letter_recorded_at ON dead_letter_updates(recorded_at);
`

const migration001Down = `
DROP TABLE IF EXISTS dead_letter_updates;
`

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_dead_letter_updates",
			UpSQL:   migration001Up,
			DownSQL: migration001Down,
		},
	}
}
