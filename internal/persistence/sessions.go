package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/apm-auto/coordinator/internal/model"
)

// CreateSession inserts a new session row with status Initializing.
func (s *Store) CreateSession(ctx context.Context, id, projectID, metadataJSON string) (model.Session, error) {
	now := time.Now().UTC()
	session := model.Session{
		ID:           id,
		ProjectID:    projectID,
		Status:       model.SessionInitializing,
		StartTime:    now,
		MetadataJSON: metadataJSON,
	}
	if session.MetadataJSON == "" {
		session.MetadataJSON = "{}"
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, project_id, status, start_time, pause_time, end_time, metadata_json)
			VALUES (?, ?, ?, ?, NULL, NULL, ?)`, id, projectID, string(model.SessionInitializing), now, session.MetadataJSON)
		if err != nil {
			return err
		}
		return writeTransition(ctx, tx, model.EntitySession, id, "", string(model.SessionInitializing), model.TriggerAutomatic, now, nil)
	})
	if err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// UpdateSessionStatus sets status, stamping pause_time/end_time as
// appropriate, and writes a transition row.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, to model.SessionStatus, trigger model.TransitionTrigger) error {
	if !to.Valid() {
		return ErrEntityNotFound
	}
	now := time.Now().UTC()
	var from model.SessionStatus
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&from); err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		switch to {
		case model.SessionPaused:
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, pause_time = ? WHERE id = ?`, string(to), now, id); err != nil {
				return err
			}
		case model.SessionCompleted, model.SessionFailed:
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, end_time = ? WHERE id = ?`, string(to), now, id); err != nil {
				return err
			}
		default:
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(to), id); err != nil {
				return err
			}
		}
		return writeTransition(ctx, tx, model.EntitySession, id, string(from), string(to), trigger, now, nil)
	})
}

// GetSession fetches a single session row.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	var sess model.Session
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		var status string
		var pauseTime, endTime sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT id, project_id, status, start_time, pause_time, end_time, metadata_json
			FROM sessions WHERE id = ?`, id).Scan(&sess.ID, &sess.ProjectID, &status, &sess.StartTime, &pauseTime, &endTime, &sess.MetadataJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		sess.Status = model.SessionStatus(status)
		if pauseTime.Valid {
			v := pauseTime.Time
			sess.PauseTime = &v
		}
		if endTime.Valid {
			v := endTime.Time
			sess.EndTime = &v
		}
		return nil
	})
	return sess, err
}

// GetLatestSessionForProject returns the most recently started session for
// a project, used by `resume` to find what to restore.
func (s *Store) GetLatestSessionForProject(ctx context.Context, projectID string) (model.Session, error) {
	var sess model.Session
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		var status string
		var pauseTime, endTime sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT id, project_id, status, start_time, pause_time, end_time, metadata_json
			FROM sessions WHERE project_id = ? ORDER BY start_time DESC LIMIT 1`, projectID).
			Scan(&sess.ID, &sess.ProjectID, &status, &sess.StartTime, &pauseTime, &endTime, &sess.MetadataJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		sess.Status = model.SessionStatus(status)
		if pauseTime.Valid {
			v := pauseTime.Time
			sess.PauseTime = &v
		}
		if endTime.Valid {
			v := endTime.Time
			sess.EndTime = &v
		}
		return nil
	})
	return sess, err
}

// CreateCheckpoint inserts a session_checkpoints row capturing the active
// agents and task progress at a point in time.
func (s *Store) CreateCheckpoint(ctx context.Context, cp model.SessionCheckpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.ActiveAgentsJSON == "" {
		cp.ActiveAgentsJSON = "[]"
	}
	if cp.CompletedTasksJSON == "" {
		cp.CompletedTasksJSON = "[]"
	}
	if cp.InProgressTasksJSON == "" {
		cp.InProgressTasksJSON = "[]"
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_checkpoints (id, session_id, timestamp, description, active_agents_json, completed_tasks_json, in_progress_tasks_json, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.SessionID, cp.Timestamp, cp.Description, cp.ActiveAgentsJSON, cp.CompletedTasksJSON, cp.InProgressTasksJSON, nullableMetadata(derefString(cp.MetadataJSON)))
		return err
	})
}

// GetLatestCheckpoint returns the most recent checkpoint for a session, the
// basis for crash-recovery restoration.
func (s *Store) GetLatestCheckpoint(ctx context.Context, sessionID string) (model.SessionCheckpoint, error) {
	var cp model.SessionCheckpoint
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		var metaJSON sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT id, session_id, timestamp, description, active_agents_json, completed_tasks_json, in_progress_tasks_json, metadata_json
			FROM session_checkpoints WHERE session_id = ? ORDER BY timestamp DESC LIMIT 1`, sessionID).
			Scan(&cp.ID, &cp.SessionID, &cp.Timestamp, &cp.Description, &cp.ActiveAgentsJSON, &cp.CompletedTasksJSON, &cp.InProgressTasksJSON, &metaJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrEntityNotFound
			}
			return err
		}
		if metaJSON.Valid {
			v := metaJSON.String
			cp.MetadataJSON = &v
		}
		return nil
	})
	return cp, err
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
