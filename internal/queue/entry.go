package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/courier/internal/model"
)

// Operation is the kind of mutation an entry carries.
type Operation = model.Operation

const (
	OpCreate = model.OpCreate
	OpUpdate = model.OpUpdate
	OpDelete = model.OpDelete
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus validates s as a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// FailureKind classifies the last failure of a failed entry.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// Entry is one queued mutation.
type Entry struct {
	ID             int64            `json:"id"`
	EntityType     model.EntityType `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Operation      Operation        `json:"operation"`
	Payload        json.RawMessage  `json:"payload"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         Status           `json:"status"`
	FailureKind    FailureKind      `json:"failure_kind,omitempty"`
	RetryCount     int              `json:"retry_count"`
	LastError      string           `json:"last_error,omitempty"`
	ServerID       string           `json:"server_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	LastAttemptAt  *time.Time       `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time       `json:"next_attempt_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
}

// Key returns the key of the entity the entry mutates.
func (e *Entry) Key() model.Key {
	return model.Key{Type: e.EntityType, ID: e.EntityID}
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status     Status
	EntityType model.EntityType
	EntityID   string
	Limit      int
}

// Stats counts entries per status.
type Stats struct {
	Pending         int `json:"pending"`
	Syncing         int `json:"syncing"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	FailedTransient int `json:"failed_transient"`
	FailedPermanent int `json:"failed_permanent"`
}

// Unfinished is the number of entries not yet completed.
func (s Stats) Unfinished() int {
	return s.Pending + s.Syncing + s.Failed
}
