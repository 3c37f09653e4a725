package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/apm-auto/coordinator/internal/model"
)

// writeTransition appends one row to state_transitions inside an
// already-open transaction. The commit-time agent/task update timestamp is
// reused as the transition timestamp so ORDER BY timestamp ASC yields the
// causal sequence.
func writeTransition(ctx context.Context, tx *sql.Tx, entityType model.EntityType, entityID, from, to string, trigger model.TransitionTrigger, ts time.Time, metadataJSON *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_transitions (entity_type, entity_id, from_state, to_state, timestamp, trigger, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(entityType), entityID, from, to, ts, string(trigger), metadataJSON)
	return err
}

// GetEntityHistory returns every transition row for an entity, ordered by
// timestamp ascending then id ascending (to break ties among same-instant
// writes deterministically). limit<=0 means unbounded.
func (s *Store) GetEntityHistory(ctx context.Context, entityType model.EntityType, entityID string, limit int) ([]model.StateTransition, error) {
	query := `SELECT id, entity_type, entity_id, from_state, to_state, timestamp, trigger, metadata_json
		FROM state_transitions WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp ASC, id ASC`
	args := []any{string(entityType), entityID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []model.StateTransition
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t model.StateTransition
			var entType, trig string
			if err := rows.Scan(&t.ID, &entType, &t.EntityID, &t.FromState, &t.ToState, &t.Timestamp, &trig, &t.MetadataJSON); err != nil {
				return err
			}
			t.EntityType = model.EntityType(entType)
			t.Trigger = model.TransitionTrigger(trig)
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

// GetAgentHistory satisfies eventbus.TransitionReader and is the agent-scoped
// convenience wrapper around GetEntityHistory used throughout D and E.
func (s *Store) GetAgentHistory(ctx context.Context, agentID string, limit int) ([]model.StateTransition, error) {
	return s.GetEntityHistory(ctx, model.EntityAgent, agentID, limit)
}
