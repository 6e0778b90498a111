package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to a session's event log. Appends run inside the same
// transaction as the state mutation they record, so a commit either
// persists both or neither.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event with the next per-session sequence number.
// Returns the assigned sequence.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, sessionID, evtType, entityKind, entityID, actorID string, payload EventPayload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM events WHERE session_id=?`, sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(session_id,seq,ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		sessionID, seq, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
