// Package store provides SQLite-backed durable storage for the local
// entity cache and the sync queue.
//
// The store holds:
//   - Entities: users, drivers, orders (with order_items)
//   - Sync queue: the append-only log of pending mutations (package queue
//     owns its semantics, the store owns its table)
//   - Identifier aliases: provisional ids replaced by server-assigned ones
//
// # Transactions
//
// All multi-step writes go through RunInTx. A Tx records which entities it
// touched and whether it changed the queue; only after a successful commit
// does the store publish the new snapshots to its watch.Hub. Nothing is
// published on rollback, so observers never see uncommitted state.
//
// # Errors
//
//   - ErrNotFound: the requested entity does not exist
//   - *Error{Kind: KindConflict}: a constraint rejected the write
//   - *Error{Kind: KindStorage}: the database itself failed (fatal)
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - One open connection: transactions are serialized
package store
