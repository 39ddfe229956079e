package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/courier/internal/model"
)

// maxAliasHops bounds alias chain resolution.
const maxAliasHops = 8

// PutAlias records that oldID of type t is now known as newID.
func (tx *Tx) PutAlias(t model.EntityType, oldID, newID string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO id_aliases (entity_type, old_id, new_id, reconciled_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, old_id) DO UPDATE SET
			new_id = excluded.new_id,
			reconciled_at = excluded.reconciled_at
	`, string(t), oldID, newID, FormatTime(at))
	if err != nil {
		return fmt.Errorf("put alias %s %s: %w", t, oldID, err)
	}
	return nil
}

// ResolveAlias follows the alias chain for id and returns the current
// identifier. An id with no alias resolves to itself.
func (tx *Tx) ResolveAlias(t model.EntityType, id string) (string, error) {
	cur := id
	for i := 0; i < maxAliasHops; i++ {
		var next string
		err := tx.QueryRow(`
			SELECT new_id FROM id_aliases WHERE entity_type = ? AND old_id = ?
		`, string(t), cur).Scan(&next)
		if errors.Is(err, sql.ErrNoRows) {
			return cur, nil
		}
		if err != nil {
			return "", storageError("resolve alias", err)
		}
		cur = next
	}
	return "", fmt.Errorf("resolve alias %s %s: chain longer than %d", t, id, maxAliasHops)
}

// ResolveAlias follows the alias chain for id and returns the current
// identifier. Components that cached a provisional id use it after the
// entity has been reconciled; Get on the old id still returns ErrNotFound.
func (s *Store) ResolveAlias(ctx context.Context, t model.EntityType, id string) (string, error) {
	var out string
	err := s.RunInTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.ResolveAlias(t, id)
		return err
	})
	return out, err
}
