package settings

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kobocord/kobocord/pkg/logger"
)

// TranscriptStore archives every utterance that enters channel history.
// The in-memory history buffer stays bounded; the archive does not.
type TranscriptStore struct {
	db *sql.DB
}

// Utterance is one archived history entry.
type Utterance struct {
	ID        string
	ChannelID string
	RoundID   string
	Speaker   string
	Content   string
	CreatedAt time.Time
}

func NewTranscriptStore(path string) (*TranscriptStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process writer. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &TranscriptStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (t *TranscriptStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS utterances (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			round_id TEXT NOT NULL DEFAULT '',
			speaker TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS utterances_channel_idx ON utterances(channel_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("init transcript schema: %w", err)
		}
	}
	return nil
}

func (t *TranscriptStore) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// Record archives one utterance. Failures are logged, never propagated:
// the archive is best-effort and must not disturb the reply path.
func (t *TranscriptStore) Record(channelID, roundID, speaker, text string) {
	_, err := t.db.Exec(
		`INSERT INTO utterances (id, channel_id, round_id, speaker, content, created_at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), channelID, roundID, speaker, text, time.Now().UnixMilli(),
	)
	if err != nil {
		logger.ErrorCF("settings", "Failed to archive utterance", map[string]any{
			"channel_id": channelID,
			"error":      err.Error(),
		})
	}
}

// Recent returns the newest n utterances for a channel, oldest first.
func (t *TranscriptStore) Recent(channelID string, n int) ([]Utterance, error) {
	rows, err := t.db.Query(
		`SELECT id, channel_id, round_id, speaker, content, created_at_ms
		 FROM utterances WHERE channel_id = ?
		 ORDER BY rowid DESC LIMIT ?`,
		channelID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Utterance
	for rows.Next() {
		var u Utterance
		var ms int64
		if err := rows.Scan(&u.ID, &u.ChannelID, &u.RoundID, &u.Speaker, &u.Content, &ms); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		u.CreatedAt = time.UnixMilli(ms)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
