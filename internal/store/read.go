package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/deos/internal/trace"
)

const sessionColumns = `
	s.id, s.seq, s.image_hash, s.output, s.first_fault, s.final_cycle,
	(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id),
	(SELECT COUNT(*) FROM snapshots n WHERE n.session_id = s.id)
`

// GetSession retrieves a single session by id.
// Returns ErrNotFound if it does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("get session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by seq ASC, id ASC.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions s
		ORDER BY s.seq ASC, s.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	// Return empty slice instead of nil
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// LoadTrace rebuilds the recorded trace of a session.
// Returns ErrNotFound if the session does not exist.
func (s *Store) LoadTrace(ctx context.Context, id string) (*trace.Trace, error) {
	var imageHash string
	err := s.db.QueryRowContext(ctx, `SELECT image_hash FROM sessions WHERE id = ?`, id).Scan(&imageHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load trace %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trace: %w", err)
	}

	events, err := s.readEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	snaps, err := s.readSnapshots(ctx, id)
	if err != nil {
		return nil, err
	}
	return &trace.Trace{ImageHash: imageHash, Events: events, Snapshots: snaps}, nil
}

func (s *Store) readEvents(ctx context.Context, sessionID string) ([]trace.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, type, task, detail
		FROM events
		WHERE session_id = ?
		ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []trace.Event{}
	for rows.Next() {
		var (
			cycle  int64
			typ    string
			task   int
			detail []byte
		)
		if err := rows.Scan(&cycle, &typ, &task, &detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		d, err := unmarshalDetail(detail)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", len(events), err)
		}
		events = append(events, trace.Event{
			Cycle:  trace.Cycle(cycle),
			Type:   trace.EventType(typ),
			Task:   task,
			Detail: d,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *Store) readSnapshots(ctx context.Context, sessionID string) ([]trace.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle, state_hash, events, data
		FROM snapshots
		WHERE session_id = ?
		ORDER BY idx ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []trace.Snapshot{}
	for rows.Next() {
		var (
			cycle int64
			snap  trace.Snapshot
			data  string
		)
		if err := rows.Scan(&cycle, &snap.StateHash, &snap.Events, &data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Cycle = trace.Cycle(cycle)
		snap.Data = json.RawMessage(data)
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snaps, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess       Session
		fault      sql.NullString
		finalCycle int64
	)
	err := sc.Scan(
		&sess.ID, &sess.Seq, &sess.ImageHash, &sess.Output, &fault, &finalCycle,
		&sess.EventCount, &sess.SnapshotCount,
	)
	if err != nil {
		return Session{}, err
	}
	sess.FinalCycle = uint64(finalCycle)
	if fault.Valid {
		f, err := unmarshalFault(&fault.String)
		if err != nil {
			return Session{}, err
		}
		sess.FirstFault = f
	}
	return sess, nil
}
