// Package gateway defines the boundary to the remote system of record.
//
// Every remote call produces an explicit Result whose Outcome the sync
// engine switches on. Implementations never panic and never return a bare
// error: a failure is always classified as transient (retry later) or
// permanent (never retried automatically).
package gateway

import (
	"context"
	"fmt"

	"github.com/roach88/courier/internal/model"
)

// Outcome classifies the result of a remote call.
type Outcome int

const (
	// Success means the remote system applied the mutation.
	Success Outcome = iota + 1

	// Transient means the call may succeed later: network failure,
	// timeout, rate limiting or a server-side error.
	Transient

	// Permanent means the remote system rejected the mutation, e.g. a
	// validation failure or conflict. Retrying unchanged will not help.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Request is one mutation to apply remotely.
type Request struct {
	Operation      model.Operation
	EntityType     model.EntityType
	EntityID       string
	Payload        []byte
	IdempotencyKey string
}

// Result is the classified outcome of Invoke.
type Result struct {
	Outcome Outcome

	// ServerID is the identifier assigned by the remote system. Set on a
	// successful create; may be empty otherwise.
	ServerID string

	// StatusCode is the transport status, when there is one.
	StatusCode int

	// Err describes a failure. Nil on success.
	Err error
}

// Succeeded builds a success Result.
func Succeeded(serverID string) Result {
	return Result{Outcome: Success, ServerID: serverID}
}

// TransientFailure builds a transient-failure Result.
func TransientFailure(err error) Result {
	return Result{Outcome: Transient, Err: err}
}

// PermanentFailure builds a permanent-failure Result.
func PermanentFailure(err error) Result {
	return Result{Outcome: Permanent, Err: err}
}

// Gateway applies mutations to the remote system.
//
// The request's IdempotencyKey is stable across retries of the same queue
// entry, so a remote system honoring it applies each mutation at most once
// even though the engine delivers at least once.
type Gateway interface {
	Invoke(ctx context.Context, req Request) Result
}

// Func adapts a function to the Gateway interface.
type Func func(ctx context.Context, req Request) Result

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) Result {
	return f(ctx, req)
}
