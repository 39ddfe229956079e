package engine

import (
	"context"

	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/payload"
	"github.com/roach88/courier/internal/queue"
)

func isProvisional(id string) bool {
	return ids.IsLocal(id)
}

// unsyncedDependency returns the first reference in the entry's payload to
// a provisional identifier whose create has not completed. Sending such an
// entry would hand the remote system an identifier it has never seen.
func (e *Engine) unsyncedDependency(ctx context.Context, entry *queue.Entry) (payload.Dependency, bool, error) {
	if entry.Operation == queue.OpDelete {
		return payload.Dependency{}, false, nil
	}
	for _, dep := range payload.Dependencies(entry.EntityType, entry.Payload) {
		if !isProvisional(dep.ID) {
			continue
		}
		open, err := e.queue.HasUnfinishedCreate(ctx, dep.Target, dep.ID)
		if err != nil {
			return payload.Dependency{}, false, err
		}
		if open {
			return dep, true, nil
		}
	}
	return payload.Dependency{}, false, nil
}
