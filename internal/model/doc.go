// Package model defines the locally stored marketplace entities.
//
// This package contains type definitions only. Every other internal package
// may import model; model imports nothing internal.
//
// Key design constraints:
//   - NO float types (money is stored in integer cents)
//   - All JSON tags use snake_case
//   - An entity's ID is either locally minted (see package ids) or
//     server-assigned; the model does not care which
//   - LastSyncedAt is nil until the remote system has acknowledged the entity
package model
