package journal

import "context"

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS plan_rounds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at_unix_ms INTEGER NOT NULL,
		reason TEXT NOT NULL,
		agents TEXT NOT NULL,
		outcome TEXT NOT NULL,
		duration_ms REAL NOT NULL,
		sequence_id TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS sequences (
		id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		steps INTEGER NOT NULL,
		ended_unix_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		cluster TEXT NOT NULL,
		started_unix_ms INTEGER NOT NULL,
		armed_unix_ms INTEGER NOT NULL,
		ended_unix_ms INTEGER,
		tokens INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id TEXT NOT NULL,
		robot_id INTEGER NOT NULL,
		issued_unix_ms INTEGER NOT NULL,
		FOREIGN KEY (incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tokens_incident ON tokens(incident_id, issued_unix_ms);

	CREATE TABLE IF NOT EXISTS alignment_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		robot_id INTEGER NOT NULL,
		mode TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		at_unix_ms INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
