package queue

import (
	"fmt"

	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/payload"
	"github.com/roach88/courier/internal/store"
)

// Rekey moves every entry of entity (t, oldID) to newID, rewriting the "id"
// field of their payloads. Entries in every status are rewritten so no entry
// keeps pointing at the retired identifier. Returns the number of entries
// moved.
func (q *Queue) Rekey(tx *store.Tx, t model.EntityType, oldID, newID string) (int, error) {
	entries, err := q.selectPayloads(tx,
		`SELECT id, payload FROM sync_queue WHERE entity_type = ? AND entity_id = ? ORDER BY id`,
		string(t), oldID)
	if err != nil {
		return 0, fmt.Errorf("rekey %s %s: %w", t, oldID, err)
	}

	for _, e := range entries {
		body, _, err := payload.ReplaceField(e.payload, "id", oldID, newID)
		if err != nil {
			return 0, fmt.Errorf("rekey entry %d: %w", e.id, err)
		}
		_, err = tx.Exec(`UPDATE sync_queue SET entity_id = ?, payload = ? WHERE id = ?`,
			newID, string(body), e.id)
		if err != nil {
			return 0, fmt.Errorf("rekey entry %d: %w", e.id, err)
		}
	}
	return len(entries), nil
}

// RewriteReferences replaces oldID with newID in every payload field that
// references an entity of type target (see model.References). Returns the
// number of entries changed.
func (q *Queue) RewriteReferences(tx *store.Tx, target model.EntityType, oldID, newID string) (int, error) {
	changed := 0
	for _, ref := range model.ReferencesTo(target) {
		if ref.Owner == "" || ref.PayloadField == "" {
			continue
		}
		// PayloadField comes from the closed reference table, never from input.
		entries, err := q.selectPayloads(tx,
			`SELECT id, payload FROM sync_queue
			 WHERE entity_type = ? AND json_extract(payload, '$.`+ref.PayloadField+`') = ?
			 ORDER BY id`,
			string(ref.Owner), oldID)
		if err != nil {
			return 0, fmt.Errorf("rewrite %s references: %w", ref.PayloadField, err)
		}
		for _, e := range entries {
			body, ok, err := payload.ReplaceField(e.payload, ref.PayloadField, oldID, newID)
			if err != nil {
				return 0, fmt.Errorf("rewrite entry %d: %w", e.id, err)
			}
			if !ok {
				continue
			}
			if _, err := tx.Exec(`UPDATE sync_queue SET payload = ? WHERE id = ?`, string(body), e.id); err != nil {
				return 0, fmt.Errorf("rewrite entry %d: %w", e.id, err)
			}
			changed++
		}
	}
	return changed, nil
}

type idPayload struct {
	id      int64
	payload []byte
}

// selectPayloads reads (id, payload) pairs and closes the cursor before
// returning, so callers can issue updates on the same connection.
func (q *Queue) selectPayloads(tx *store.Tx, query string, args ...any) ([]idPayload, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []idPayload
	for rows.Next() {
		var (
			e    idPayload
			body string
		)
		if err := rows.Scan(&e.id, &body); err != nil {
			return nil, store.Wrap("scan payload", err)
		}
		e.payload = []byte(body)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("scan payload", err)
	}
	return out, nil
}
