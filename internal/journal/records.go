package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/fleet-coordinator/internal/release"
	"github.com/signalsfoundry/fleet-coordinator/internal/scenario"
)

// IncidentRecord is a stored release incident.
type IncidentRecord struct {
	ID        string
	Cluster   []int
	StartedAt time.Time
	ArmedAt   time.Time
	EndedAt   time.Time
	Ended     bool
	Tokens    []TokenRecord
}

// TokenRecord is one release token grant.
type TokenRecord struct {
	RobotID  int
	IssuedAt time.Time
}

// AlignmentFailure is a stored exhausted alignment budget.
type AlignmentFailure struct {
	RobotID  int
	Mode     string
	Attempts int
	At       time.Time
}

// SequenceRecord is a finished dispatch sequence.
type SequenceRecord struct {
	ID      string
	Outcome string
	Steps   int
	EndedAt time.Time
}

// PlanRound implements scenario.Recorder.
func (s *Store) PlanRound(ctx context.Context, r scenario.PlanRound) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_rounds (at_unix_ms, reason, agents, outcome, duration_ms, sequence_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.At.UnixMilli(), r.Reason, joinIDs(r.Agents), r.Outcome,
		float64(r.Duration)/float64(time.Millisecond), r.SequenceID, r.Err)
	if err != nil {
		return fmt.Errorf("journal: insert plan round: %w", err)
	}
	return nil
}

// PlanRounds returns the latest rounds, newest first. limit <= 0 returns
// all of them.
func (s *Store) PlanRounds(ctx context.Context, limit int) ([]scenario.PlanRound, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT at_unix_ms, reason, agents, outcome, duration_ms, COALESCE(sequence_id, ''), COALESCE(error, '')
		FROM plan_rounds ORDER BY id DESC LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query plan rounds: %w", err)
	}
	defer rows.Close()

	var out []scenario.PlanRound
	for rows.Next() {
		var (
			r      scenario.PlanRound
			at     int64
			agents string
			ms     float64
		)
		if err := rows.Scan(&at, &r.Reason, &agents, &r.Outcome, &ms, &r.SequenceID, &r.Err); err != nil {
			return nil, fmt.Errorf("journal: scan plan round: %w", err)
		}
		r.At = time.UnixMilli(at)
		r.Agents = splitIDs(agents)
		r.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, r)
	}
	return out, rows.Err()
}

// SequenceEnded records a finished sequence. Repeated ids overwrite.
func (s *Store) SequenceEnded(ctx context.Context, rec SequenceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sequences (id, outcome, steps, ended_unix_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			steps = excluded.steps,
			ended_unix_ms = excluded.ended_unix_ms
	`, rec.ID, rec.Outcome, rec.Steps, rec.EndedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: upsert sequence %s: %w", rec.ID, err)
	}
	return nil
}

// Sequence returns one sequence record.
func (s *Store) Sequence(ctx context.Context, id string) (SequenceRecord, error) {
	rec := SequenceRecord{ID: id}
	var ended int64
	err := s.db.QueryRowContext(ctx, `SELECT outcome, steps, ended_unix_ms FROM sequences WHERE id = ?`, id).
		Scan(&rec.Outcome, &rec.Steps, &ended)
	if err != nil {
		return SequenceRecord{}, fmt.Errorf("journal: sequence %s: %w", id, err)
	}
	rec.EndedAt = time.UnixMilli(ended)
	return rec, nil
}

// IncidentStarted implements release.Recorder.
func (s *Store) IncidentStarted(ctx context.Context, inc release.Incident) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, cluster, started_unix_ms, armed_unix_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, inc.ID, joinIDs(inc.Cluster), inc.StartedAt.UnixMilli(), inc.ArmedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: insert incident %s: %w", inc.ID, err)
	}
	return nil
}

// IncidentEnded implements release.Recorder.
func (s *Store) IncidentEnded(ctx context.Context, inc release.Incident) error {
	at := inc.EndedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE incidents SET ended_unix_ms = ?, tokens = ? WHERE id = ?
	`, at.UnixMilli(), inc.Tokens, inc.ID)
	if err != nil {
		return fmt.Errorf("journal: close incident %s: %w", inc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("journal: close incident %s: %w", inc.ID, sql.ErrNoRows)
	}
	return nil
}

// TokenIssued implements release.Recorder.
func (s *Store) TokenIssued(ctx context.Context, incidentID string, rid int, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (incident_id, robot_id, issued_unix_ms) VALUES (?, ?, ?)
	`, incidentID, rid, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: insert token for robot %d: %w", rid, err)
	}
	return nil
}

// Incidents returns the latest incidents with their tokens, newest first.
func (s *Store) Incidents(ctx context.Context, limit int) ([]IncidentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster, started_unix_ms, armed_unix_ms, ended_unix_ms
		FROM incidents ORDER BY started_unix_ms DESC, id LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query incidents: %w", err)
	}
	var out []IncidentRecord
	for rows.Next() {
		var (
			rec            IncidentRecord
			cluster        string
			started, armed int64
			ended          sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &cluster, &started, &armed, &ended); err != nil {
			rows.Close()
			return nil, fmt.Errorf("journal: scan incident: %w", err)
		}
		rec.Cluster = splitIDs(cluster)
		rec.StartedAt = time.UnixMilli(started)
		rec.ArmedAt = time.UnixMilli(armed)
		if ended.Valid {
			rec.Ended = true
			rec.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// Tokens are read after the incident cursor is closed; the pool holds a
	// single connection.
	for i := range out {
		toks, err := s.tokens(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Tokens = toks
	}
	return out, nil
}

func (s *Store) tokens(ctx context.Context, incidentID string) ([]TokenRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT robot_id, issued_unix_ms FROM tokens WHERE incident_id = ? ORDER BY issued_unix_ms, id
	`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("journal: query tokens: %w", err)
	}
	defer rows.Close()
	var out []TokenRecord
	for rows.Next() {
		var (
			tok TokenRecord
			at  int64
		)
		if err := rows.Scan(&tok.RobotID, &at); err != nil {
			return nil, fmt.Errorf("journal: scan token: %w", err)
		}
		tok.IssuedAt = time.UnixMilli(at)
		out = append(out, tok)
	}
	return out, rows.Err()
}

// AlignmentFailed records an exhausted alignment budget.
func (s *Store) AlignmentFailed(ctx context.Context, f AlignmentFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alignment_failures (robot_id, mode, attempts, at_unix_ms) VALUES (?, ?, ?, ?)
	`, f.RobotID, f.Mode, f.Attempts, f.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: insert alignment failure: %w", err)
	}
	return nil
}

// AlignmentFailures returns recorded failures, newest first.
func (s *Store) AlignmentFailures(ctx context.Context, limit int) ([]AlignmentFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT robot_id, mode, attempts, at_unix_ms FROM alignment_failures ORDER BY id DESC LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("journal: query alignment failures: %w", err)
	}
	defer rows.Close()
	var out []AlignmentFailure
	for rows.Next() {
		var (
			f  AlignmentFailure
			at int64
		)
		if err := rows.Scan(&f.RobotID, &f.Mode, &f.Attempts, &at); err != nil {
			return nil, fmt.Errorf("journal: scan alignment failure: %w", err)
		}
		f.At = time.UnixMilli(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int {
	if s == "" {
		return nil
	}
	var out []int
	for _, p := range strings.Split(s, ",") {
		if id, err := strconv.Atoi(p); err == nil {
			out = append(out, id)
		}
	}
	return out
}
