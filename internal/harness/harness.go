package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/courier/internal/engine"
	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/reconcile"
	"github.com/roach88/courier/internal/repo"
	"github.com/roach88/courier/internal/store"
	"github.com/roach88/courier/internal/testutil"
)

// DefaultCallTimeout bounds gateway calls in scenarios that do not set
// call_timeout. Scripted timeouts take this long.
const DefaultCallTimeout = 50 * time.Millisecond

// Harness runs one scenario against a fresh in-memory database.
type Harness struct {
	store   *store.Store
	queue   *queue.Queue
	repo    *repo.Repo
	engine  *engine.Engine
	clock   *testutil.FakeClock
	gateway *recorder
	result  *Result

	// names maps "as" names to the key the entity was created under.
	names map[string]model.Key
}

// Run executes a scenario and returns its result. The error is non-nil
// only when a step could not be executed; failed assertions are reported
// in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(st, scenario)
	if err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Action, err)
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.assert(ctx, a); err != nil {
			h.result.AddError(fmt.Sprintf("assertion[%d] %s: %v", i, a.Type, err))
		}
	}
	return h.result, nil
}

func newHarness(st *store.Store, scenario *Scenario) (*Harness, error) {
	clk := testutil.NewFakeClock()
	q := queue.New(st,
		queue.WithClock(clk),
		queue.WithKeyGenerator(ids.NewSequenceGenerator("idem")),
	)
	rec := reconcile.New(st, q, reconcile.WithClock(clk))

	scripted := testutil.NewScriptedGateway()
	for t, serverIDs := range scenario.Gateway.Assign {
		scripted.AssignIDs(model.EntityType(t), serverIDs...)
	}
	for i, r := range scenario.Gateway.Responses {
		steps := make([]testutil.Step, len(r.Replies))
		for j, reply := range r.Replies {
			step, err := parseReply(reply)
			if err != nil {
				return nil, fmt.Errorf("gateway.responses[%d]: %w", i, err)
			}
			steps[j] = step
		}
		scripted.Script(model.Operation(r.Operation), model.EntityType(r.Type), r.ID, steps...)
	}

	callTimeout := DefaultCallTimeout
	if scenario.CallTimeout != "" {
		d, err := time.ParseDuration(scenario.CallTimeout)
		if err != nil {
			return nil, fmt.Errorf("call_timeout: %w", err)
		}
		callTimeout = d
	}
	policy := engine.DefaultRetryPolicy()
	if scenario.MaxAttempts > 0 {
		policy.MaxAttempts = scenario.MaxAttempts
	}

	h := &Harness{
		store:  st,
		queue:  q,
		clock:  clk,
		result: NewResult(),
		names:  make(map[string]model.Key),
	}
	h.gateway = &recorder{inner: scripted, result: h.result}
	h.repo = repo.New(st, q,
		repo.WithClock(clk),
		repo.WithIDGenerator(newScenarioIDs(scenario.IDs)),
	)
	h.engine = engine.New(st, q, rec, h.gateway,
		engine.WithClock(clk),
		engine.WithCallTimeout(callTimeout),
		engine.WithRetryPolicy(policy),
	)
	return h, nil
}

var errIDOnCreate = errors.New("id cannot be set on create")

// parseReply turns a scripted reply into a gateway step.
func parseReply(reply string) (testutil.Step, error) {
	kind, arg, hasArg := strings.Cut(reply, ":")
	switch kind {
	case "success":
		if hasArg && arg == "" {
			return testutil.Step{}, fmt.Errorf("reply %q: empty server id", reply)
		}
		return testutil.Succeed(arg), nil
	case "transient":
		if arg == "" {
			arg = "service unavailable"
		}
		return testutil.FailTransient(arg), nil
	case "permanent":
		if arg == "" {
			arg = "rejected"
		}
		return testutil.FailPermanent(arg), nil
	case "timeout":
		if hasArg {
			return testutil.Step{}, fmt.Errorf("reply %q: timeout takes no argument", reply)
		}
		return testutil.Hang(), nil
	default:
		return testutil.Step{}, fmt.Errorf("unknown reply %q", reply)
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch step.Action {
	case ActionCreateUser, ActionCreateDriver, ActionCreateOrder:
		return h.create(ctx, step)
	case ActionUpdateUser, ActionUpdateDriver, ActionUpdateOrder:
		return h.update(ctx, step)
	case ActionDelete:
		t := model.EntityType(step.Type)
		id, err := h.resolve(ctx, step.ID)
		if err != nil {
			return err
		}
		return h.repo.Delete(ctx, t, id)
	case ActionSeed:
		return h.seed(ctx, step)
	case ActionDrain:
		res, err := h.engine.Drain(ctx)
		h.gateway.wait()
		if err != nil {
			return err
		}
		h.gateway.record(TraceEvent{Type: EventDrain, Drain: &res})
		return nil
	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil
	case ActionRetry:
		return h.queue.Retry(ctx, step.Entry)
	case ActionInterrupt:
		// Leaves the entry syncing, as a crash during its call would.
		return h.queue.MarkSyncing(ctx, step.Entry)
	case ActionPurge:
		var d time.Duration
		if step.Duration != "" {
			var err error
			if d, err = time.ParseDuration(step.Duration); err != nil {
				return err
			}
		}
		_, err := h.queue.PurgeCompleted(ctx, d)
		return err
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

func (h *Harness) create(ctx context.Context, step Step) error {
	fields, err := h.resolveFields(ctx, step.Fields)
	if err != nil {
		return err
	}

	var e model.Entity
	switch step.Action {
	case ActionCreateUser:
		var f userFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		if f.ID != nil {
			return errIDOnCreate
		}
		e, err = h.repo.CreateUser(ctx, repo.NewUser{
			Name:  deref(f.Name),
			Email: deref(f.Email),
			Phone: deref(f.Phone),
			Role:  model.UserRole(deref(f.Role)),
		})
	case ActionCreateDriver:
		var f driverFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		if f.ID != nil {
			return errIDOnCreate
		}
		e, err = h.repo.CreateDriver(ctx, repo.NewDriver{
			UserID:        deref(f.UserID),
			LicenseNumber: deref(f.LicenseNumber),
			VehicleType:   deref(f.VehicleType),
			Status:        model.DriverStatus(deref(f.Status)),
		})
	case ActionCreateOrder:
		var f orderFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		if f.ID != nil {
			return errIDOnCreate
		}
		if f.Status != nil {
			return fmt.Errorf("status cannot be set on create")
		}
		e, err = h.repo.CreateOrder(ctx, repo.NewOrder{
			CustomerID:     deref(f.CustomerID),
			DriverID:       deref(f.DriverID),
			PickupAddress:  deref(f.PickupAddress),
			DropoffAddress: deref(f.DropoffAddress),
			Items:          f.items(),
		})
	}
	if err != nil {
		return err
	}
	if step.As != "" {
		h.names[step.As] = model.KeyOf(e)
	}
	return nil
}

func (h *Harness) update(ctx context.Context, step Step) error {
	id, err := h.resolve(ctx, step.ID)
	if err != nil {
		return err
	}
	fields, err := h.resolveFields(ctx, step.Fields)
	if err != nil {
		return err
	}

	switch step.Action {
	case ActionUpdateUser:
		var f userFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		up := repo.UserUpdate{Name: f.Name, Email: f.Email, Phone: f.Phone}
		if f.Role != nil {
			role := model.UserRole(*f.Role)
			up.Role = &role
		}
		_, err = h.repo.UpdateUser(ctx, id, up)
	case ActionUpdateDriver:
		var f driverFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		if f.UserID != nil {
			return fmt.Errorf("user_id cannot be changed")
		}
		up := repo.DriverUpdate{LicenseNumber: f.LicenseNumber, VehicleType: f.VehicleType}
		if f.Status != nil {
			status := model.DriverStatus(*f.Status)
			up.Status = &status
		}
		_, err = h.repo.UpdateDriver(ctx, id, up)
	case ActionUpdateOrder:
		var f orderFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		if f.CustomerID != nil {
			return fmt.Errorf("customer_id cannot be changed")
		}
		up := repo.OrderUpdate{
			DriverID:       f.DriverID,
			PickupAddress:  f.PickupAddress,
			DropoffAddress: f.DropoffAddress,
			Items:          f.items(),
		}
		if f.Status != nil {
			status := model.OrderStatus(*f.Status)
			up.Status = &status
		}
		_, err = h.repo.UpdateOrder(ctx, id, up)
	}
	return err
}

// seed stores an entity as already known to the remote system: it has a
// server id, is stamped synced and has no queue entry.
func (h *Harness) seed(ctx context.Context, step Step) error {
	fields, err := h.resolveFields(ctx, step.Fields)
	if err != nil {
		return err
	}
	now := h.clock.Now()

	var e model.Entity
	switch model.EntityType(step.Type) {
	case model.EntityUser:
		var f userFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		e = &model.User{
			ID:    deref(f.ID),
			Name:  deref(f.Name),
			Email: deref(f.Email),
			Phone: deref(f.Phone),
			Role:  model.UserRole(deref(f.Role)),
		}
	case model.EntityDriver:
		var f driverFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		e = &model.Driver{
			ID:            deref(f.ID),
			UserID:        deref(f.UserID),
			LicenseNumber: deref(f.LicenseNumber),
			VehicleType:   deref(f.VehicleType),
			Status:        model.DriverStatus(deref(f.Status)),
		}
	case model.EntityOrder:
		var f orderFields
		if err := decodeFields(fields, &f); err != nil {
			return err
		}
		o := &model.Order{
			ID:             deref(f.ID),
			CustomerID:     deref(f.CustomerID),
			DriverID:       deref(f.DriverID),
			Status:         model.OrderStatus(deref(f.Status)),
			PickupAddress:  deref(f.PickupAddress),
			DropoffAddress: deref(f.DropoffAddress),
		}
		if o.Status == "" {
			o.Status = model.OrderPending
		}
		for i, it := range f.Items {
			o.Items = append(o.Items, model.OrderItem{
				OrderID:        o.ID,
				Position:       i,
				Name:           it.Name,
				Quantity:       it.Quantity,
				UnitPriceCents: it.UnitPriceCents,
			})
		}
		o.TotalCents = o.ComputeTotal()
		e = o
	default:
		return fmt.Errorf("seed: unknown entity type %q", step.Type)
	}

	if e.EntityID() == "" {
		return fmt.Errorf("seed: id is required")
	}
	if ids.IsLocal(e.EntityID()) {
		return fmt.Errorf("seed: %s is a provisional id", e.EntityID())
	}
	setTimestamps(e, now)

	if err := h.store.Upsert(ctx, e); err != nil {
		return err
	}
	if step.As != "" {
		h.names[step.As] = model.KeyOf(e)
	}
	return nil
}

func setTimestamps(e model.Entity, now time.Time) {
	switch v := e.(type) {
	case *model.User:
		v.CreatedAt, v.UpdatedAt = now, now
		if v.Role == "" {
			v.Role = model.RoleCustomer
		}
	case *model.Driver:
		v.CreatedAt, v.UpdatedAt = now, now
		if v.Status == "" {
			v.Status = model.DriverOffline
		}
	case *model.Order:
		v.CreatedAt, v.UpdatedAt = now, now
	}
	e.SetLastSyncedAt(now)
}

// resolve turns a $name reference into the entity's current id. Other
// values are returned unchanged.
func (h *Harness) resolve(ctx context.Context, s string) (string, error) {
	name, ok := strings.CutPrefix(s, "$")
	if !ok {
		return s, nil
	}
	key, ok := h.names[name]
	if !ok {
		return "", fmt.Errorf("reference %s to unknown entity", s)
	}
	return h.store.ResolveAlias(ctx, key.Type, key.ID)
}

// resolveFields returns a copy of fields with every $name string value
// resolved.
func (h *Harness) resolveFields(ctx context.Context, fields map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			id, err := h.resolve(ctx, val)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", k, err)
			}
			out[k] = id
		case map[string]any:
			nested, err := h.resolveFields(ctx, val)
			if err != nil {
				return nil, err
			}
			out[k] = nested
		default:
			out[k] = v
		}
	}
	return out, nil
}

// scenarioIDs hands out the scenario's declared ids, then numbered ones.
type scenarioIDs struct {
	mu       sync.Mutex
	declared []string
	rest     *ids.SequenceGenerator
}

func newScenarioIDs(declared []string) *scenarioIDs {
	return &scenarioIDs{
		declared: declared,
		rest:     ids.NewSequenceGenerator("id"),
	}
}

func (g *scenarioIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.declared) > 0 {
		id := g.declared[0]
		g.declared = g.declared[1:]
		return id
	}
	return g.rest.Generate()
}

// recorder wraps the scripted gateway and appends every call to the trace.
// Events are numbered when the call starts, so the trace order follows the
// engine's call order even for calls that hang until their deadline.
type recorder struct {
	inner  gateway.Gateway
	result *Result

	mu       sync.Mutex
	seq      int64
	inFlight sync.WaitGroup
}

func (r *recorder) Invoke(ctx context.Context, req gateway.Request) gateway.Result {
	r.inFlight.Add(1)
	defer r.inFlight.Done()

	idx := r.record(TraceEvent{
		Type:           EventCall,
		Operation:      string(req.Operation),
		EntityType:     string(req.EntityType),
		EntityID:       req.EntityID,
		IdempotencyKey: req.IdempotencyKey,
		Payload:        append([]byte(nil), req.Payload...),
	})

	res := r.inner.Invoke(ctx, req)

	r.mu.Lock()
	ev := &r.result.Trace[idx]
	ev.Outcome = res.Outcome.String()
	ev.ServerID = res.ServerID
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	r.mu.Unlock()
	return res
}

// record appends ev with the next sequence number and returns its index.
func (r *recorder) record(ev TraceEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	ev.Seq = r.seq
	r.result.Trace = append(r.result.Trace, ev)
	return len(r.result.Trace) - 1
}

// wait blocks until calls abandoned by a timed-out engine have returned.
func (r *recorder) wait() {
	r.inFlight.Wait()
}

var _ gateway.Gateway = (*recorder)(nil)
