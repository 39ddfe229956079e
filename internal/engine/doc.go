// Package engine drains the sync queue against the remote gateway.
//
// A drain pass walks pending entries in creation order and calls the gateway
// exactly once per entry. Each outcome moves the entry through its state
// machine:
//
//	pending -> syncing -> completed
//	                   -> failed (transient: retried after backoff)
//	                   -> failed (permanent: manual retry only)
//
// A successful create whose server identifier differs from the local one is
// reconciled in the same transaction that marks the entry completed, so a
// crash never leaves an entity half re-keyed.
//
// Ordering: entries for the same entity are applied strictly in queue order.
// Once an entry for an entity fails or is deferred, later entries for that
// entity wait until it completes. An entry whose payload references a
// provisional identifier of an entity that has not reached the remote
// system yet is deferred rather than sent with a dangling identifier.
//
// Thread-safety: Drain may be called from any goroutine, but at most one pass
// runs at a time; a concurrent call returns ErrDrainInProgress. Run owns the
// background loop and must be called from exactly one goroutine.
package engine
