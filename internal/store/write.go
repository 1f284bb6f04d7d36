package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/deos/internal/trace"
)

// SaveSession writes a session and its trace in one transaction and returns
// the session with Seq and the counts filled in. The session's ImageHash
// defaults to the trace's when empty.
//
// Returns ErrSessionExists if the id is already stored; nothing is written
// in that case.
func (s *Store) SaveSession(ctx context.Context, sess Session, tr *trace.Trace) (Session, error) {
	if sess.ID == "" {
		return Session{}, fmt.Errorf("save session: empty id")
	}
	if tr == nil {
		return Session{}, fmt.Errorf("save session: nil trace")
	}
	if sess.ImageHash == "" {
		sess.ImageHash = tr.ImageHash
	}
	faultJSON, err := marshalFault(sess.FirstFault)
	if err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("save session: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM sessions`).Scan(&seq); err != nil {
		return Session{}, fmt.Errorf("save session: next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, seq, image_hash, output, first_fault, final_cycle)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, seq, sess.ImageHash, sess.Output, faultJSON, int64(sess.FinalCycle))
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return Session{}, fmt.Errorf("save session %q: %w", sess.ID, ErrSessionExists)
		}
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	if err := insertEvents(ctx, tx, sess.ID, tr.Events); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	if err := insertSnapshots(ctx, tx, sess.ID, tr.Snapshots); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("save session: commit: %w", err)
	}

	sess.Seq = seq
	sess.EventCount = len(tr.Events)
	sess.SnapshotCount = len(tr.Snapshots)
	return sess, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, sessionID string, events []trace.Event) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (session_id, idx, cycle, type, task, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare events: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		detail, err := marshalDetail(ev.Detail)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, sessionID, i, int64(ev.Cycle), string(ev.Type), ev.Task, detail); err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}
	return nil
}

func insertSnapshots(ctx context.Context, tx *sql.Tx, sessionID string, snaps []trace.Snapshot) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshots (session_id, idx, cycle, state_hash, events, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshots: %w", err)
	}
	defer stmt.Close()

	for i, snap := range snaps {
		if _, err := stmt.ExecContext(ctx, sessionID, i, int64(snap.Cycle), snap.StateHash, snap.Events, string(snap.Data)); err != nil {
			return fmt.Errorf("insert snapshot %d: %w", i, err)
		}
	}
	return nil
}

// DeleteSession removes a session with its events and snapshots. Returns
// ErrNotFound if the id is unknown.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete session %q: %w", id, ErrNotFound)
	}
	return nil
}
