// Package queue implements the durable sync queue: an append-only log of
// local mutations waiting to be applied to the remote system.
//
// Entries live in the store's sync_queue table. Their id is strictly
// increasing and never reused, and entries for the same entity are applied
// in id order.
//
// Lifecycle:
//
//	pending --> syncing --> completed
//	               |
//	               +------> failed --(retry / promotion)--> pending
//
// Completed entries are purged after a retention window; failed entries are
// kept until an operator retries them.
//
// Methods whose first parameter is a *store.Tx join the caller's
// transaction. Enqueue must always be called in the same transaction as the
// entity mutation it records. All other methods run their own transaction.
package queue
