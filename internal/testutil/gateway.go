package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
)

// Step is one scripted gateway response.
type Step struct {
	// Result is returned as is unless Hang is set.
	Result gateway.Result

	// Hang blocks the call until its context ends, then reports a
	// transient failure. Use with a short engine call timeout to simulate
	// a request that never answers.
	Hang bool
}

// Succeed responds with success and the given server id.
func Succeed(serverID string) Step {
	return Step{Result: gateway.Succeeded(serverID)}
}

// FailTransient responds with a transient failure.
func FailTransient(msg string) Step {
	return Step{Result: gateway.TransientFailure(errors.New(msg))}
}

// FailPermanent responds with a permanent failure.
func FailPermanent(msg string) Step {
	return Step{Result: gateway.PermanentFailure(errors.New(msg))}
}

// Hang never answers; the call ends when its context does.
func Hang() Step {
	return Step{Hang: true}
}

type script struct {
	op    model.Operation
	typ   model.EntityType
	id    string
	steps []Step
}

func (s *script) matches(req gateway.Request) bool {
	return len(s.steps) > 0 &&
		(s.op == "" || s.op == req.Operation) &&
		(s.typ == "" || s.typ == req.EntityType) &&
		(s.id == "" || s.id == req.EntityID)
}

// ScriptedGateway is an in-memory gateway.Gateway driven by a script.
//
// Calls matching a scripted (operation, type, id) consume that script's
// steps in order. Unscripted calls succeed; a create of a provisional id
// is assigned the next server id queued with AssignIDs for its type, or
// "<type>-srv-<n>" when none is queued. Every call is recorded.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedGateway struct {
	mu       sync.Mutex
	scripts  []*script
	assigned map[model.EntityType][]string
	minted   map[model.EntityType]int
	calls    []gateway.Request
}

// NewScriptedGateway creates a gateway that accepts everything.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{
		assigned: make(map[model.EntityType][]string),
		minted:   make(map[model.EntityType]int),
	}
}

// Script queues steps for calls matching op, t and id. Empty fields match
// anything. Earlier scripts take precedence.
func (g *ScriptedGateway) Script(op model.Operation, t model.EntityType, id string, steps ...Step) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scripts = append(g.scripts, &script{op: op, typ: t, id: id, steps: steps})
}

// AssignIDs queues server ids handed out, in order, to successful creates
// of entity type t that are not scripted with an explicit id.
func (g *ScriptedGateway) AssignIDs(t model.EntityType, serverIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.assigned[t] = append(g.assigned[t], serverIDs...)
}

// Invoke implements gateway.Gateway.
func (g *ScriptedGateway) Invoke(ctx context.Context, req gateway.Request) gateway.Result {
	g.mu.Lock()
	g.calls = append(g.calls, cloneRequest(req))
	step, scripted := g.next(req)
	var result gateway.Result
	if !step.Hang {
		result = step.Result
		if !scripted {
			result = gateway.Succeeded("")
		}
		if result.Outcome == gateway.Success && result.ServerID == "" && req.Operation == model.OpCreate {
			result.ServerID = g.serverID(req)
		}
	}
	g.mu.Unlock()

	if step.Hang {
		<-ctx.Done()
		return gateway.TransientFailure(fmt.Errorf("no response: %w", ctx.Err()))
	}
	return result
}

// next pops the first matching step. Caller holds g.mu.
func (g *ScriptedGateway) next(req gateway.Request) (Step, bool) {
	for _, s := range g.scripts {
		if s.matches(req) {
			step := s.steps[0]
			s.steps = s.steps[1:]
			return step, true
		}
	}
	return Step{}, false
}

// serverID picks the id for a successful create. Caller holds g.mu.
func (g *ScriptedGateway) serverID(req gateway.Request) string {
	if !ids.IsLocal(req.EntityID) {
		return req.EntityID
	}
	if queued := g.assigned[req.EntityType]; len(queued) > 0 {
		g.assigned[req.EntityType] = queued[1:]
		return queued[0]
	}
	g.minted[req.EntityType]++
	return fmt.Sprintf("%s-srv-%d", req.EntityType, g.minted[req.EntityType])
}

// Calls returns every request received, in order.
func (g *ScriptedGateway) Calls() []gateway.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]gateway.Request, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns the number of requests received.
func (g *ScriptedGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Reset forgets recorded calls. Scripts are kept.
func (g *ScriptedGateway) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
}

func cloneRequest(req gateway.Request) gateway.Request {
	req.Payload = append([]byte(nil), req.Payload...)
	return req
}

var _ gateway.Gateway = (*ScriptedGateway)(nil)
