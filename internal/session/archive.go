package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Archive persists turns and tool invocations to SQLite for offline
// inspection. It is write-mostly and strictly optional: the live
// conversation state lives in the in-memory Store, and archive failures
// never fail a reasoning cycle.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (or creates) the archive database at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a, err := NewArchive(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// NewArchive wraps an existing database handle and ensures the schema.
func NewArchive(db *sql.DB) (*Archive, error) {
	a := &Archive{db: db}
	if err := a.migrate(); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return a, nil
}

func (a *Archive) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_name TEXT,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

	CREATE TABLE IF NOT EXISTS tool_invocations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_session ON tool_invocations(session_id, started_at);
	`
	_, err := a.db.Exec(schema)
	return err
}

// RecordTurn stores one turn.
func (a *Archive) RecordTurn(sessionID string, t Turn) error {
	_, err := a.db.Exec(
		`INSERT INTO turns (id, session_id, seq, role, content, tool_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, t.Seq, string(t.Role), t.Content, t.ToolName, t.Time,
	)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// RecordInvocation stores one completed tool invocation. errMsg is empty
// on success.
func (a *Archive) RecordInvocation(sessionID, tool, arguments, result, errMsg string, started, completed time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO tool_invocations (id, session_id, tool_name, arguments, result, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, tool, arguments,
		nullable(result), nullable(errMsg), started, completed,
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// SessionTurns returns archived turns for a session, oldest first,
// capped at limit (0 means no cap).
func (a *Archive) SessionTurns(sessionID string, limit int) ([]Turn, error) {
	q := `SELECT seq, role, content, COALESCE(tool_name, ''), created_at
	      FROM turns WHERE session_id = ? ORDER BY created_at ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.Seq, &role, &t.Content, &t.ToolName, &t.Time); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	return a.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
