package broker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/sjson"

	// register sqlite driver
	_ "modernc.org/sqlite"

	llmstream "github.com/ProviderProtocol/llmstream-go"
)

// Archive is a SQLite-backed store for the events of completed streams. The
// broker itself never persists anything past Remove; callers that need
// durable history wire Archive.Hook as a subscriber's OnComplete so the
// final snapshot is written before the record expires.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) an archive at the given path.
func OpenArchive(path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	a := &Archive{db: db}
	if err := a.initSchema(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS stream_events (
	stream_id TEXT NOT NULL,
	cursor INTEGER NOT NULL,
	payload TEXT NOT NULL,
	archived_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (stream_id, cursor)
);
`
	if _, err := a.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveSession writes a completed session's events, replacing any earlier
// archive of the same stream id (a reconnect may archive twice).
func (a *Archive) SaveSession(streamID string, events []llmstream.StreamEvent) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM stream_events WHERE stream_id = ?`, streamID); err != nil {
		return fmt.Errorf("clear previous archive: %w", err)
	}

	now := time.Now().UTC()
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}
		// The cursor is annotated into the payload as well so an archived
		// row is self-describing when read outside this store.
		payload, err = sjson.SetBytes(payload, "cursor", i)
		if err != nil {
			return fmt.Errorf("annotate event %d: %w", i, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO stream_events (stream_id, cursor, payload, archived_at) VALUES (?, ?, ?, ?)`,
			streamID, i, string(payload), now,
		); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// LoadSession reads an archived session's events in original order.
// Returns ok=false when the stream was never archived.
func (a *Archive) LoadSession(streamID string) ([]llmstream.StreamEvent, bool, error) {
	rows, err := a.db.Query(
		`SELECT payload FROM stream_events WHERE stream_id = ? ORDER BY cursor ASC`,
		streamID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var events []llmstream.StreamEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, false, fmt.Errorf("scan archive row: %w", err)
		}
		var ev llmstream.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, false, fmt.Errorf("unmarshal archived event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	return events, len(events) > 0, nil
}

// Hook returns an OnComplete that archives the final snapshot. Archive
// failures are reported through errf (log.Printf-shaped) rather than
// propagated; a failed archive must not disturb other subscribers.
func (a *Archive) Hook(streamID string, errf func(format string, args ...any)) OnComplete {
	return func(events []llmstream.StreamEvent) {
		if err := a.SaveSession(streamID, events); err != nil && errf != nil {
			errf("broker: archive of session %s failed: %v", streamID, err)
		}
	}
}
