package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/repo"
	"github.com/roach88/courier/internal/store"
	"github.com/roach88/courier/internal/testutil"
)

func TestDrain_EmptyQueue(t *testing.T) {
	f := setupEngine(t, nil)
	res := f.drain(t)
	assert.Equal(t, DrainResult{}, res)
	assert.Zero(t, f.gw.CallCount())
}

func TestDrain_CreateReconcilesAndCompletes(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	f.gw.AssignIDs(model.EntityUser, "usr-1")
	ctx := context.Background()

	u := f.createUser(t)
	require.Equal(t, "local-u1", u.ID)

	res := f.drain(t)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Succeeded)

	_, err := f.store.GetUser(ctx, "local-u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	synced, err := f.store.GetUser(ctx, "usr-1")
	require.NoError(t, err)
	require.NotNil(t, synced.LastSyncedAt)
	assert.Equal(t, f.clock.Now(), *synced.LastSyncedAt)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, queue.StatusCompleted, entries[0].Status)
	assert.Equal(t, "usr-1", entries[0].EntityID)
	assert.Equal(t, "usr-1", entries[0].ServerID)

	resolved, err := f.store.ResolveAlias(ctx, model.EntityUser, "local-u1")
	require.NoError(t, err)
	assert.Equal(t, "usr-1", resolved)
}

func TestDrain_SendsIdempotencyKeyAndPayload(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	f.createUser(t)
	f.drain(t)

	calls := f.gw.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, model.OpCreate, calls[0].Operation)
	assert.Equal(t, model.EntityUser, calls[0].EntityType)
	assert.Equal(t, "local-u1", calls[0].EntityID)
	assert.Equal(t, "idem-1", calls[0].IdempotencyKey)
	assert.Contains(t, string(calls[0].Payload), `"id":"local-u1"`)
}

// A driver created offline as local-abc is acknowledged as drv-123; the
// order that references it must reach the server carrying drv-123.
func TestDrain_DriverReconciliationWithDependentOrder(t *testing.T) {
	f := setupEngine(t, []string{"u1", "abc", "o1"})
	f.gw.AssignIDs(model.EntityUser, "usr-1")
	f.gw.AssignIDs(model.EntityDriver, "drv-123")
	f.gw.AssignIDs(model.EntityOrder, "ord-9")
	ctx := context.Background()

	u := f.createUser(t)
	d, err := f.repo.CreateDriver(ctx, repo.NewDriver{UserID: u.ID, LicenseNumber: "LIC-1", VehicleType: "bike"})
	require.NoError(t, err)
	require.Equal(t, "local-abc", d.ID)
	o, err := f.repo.CreateOrder(ctx, repo.NewOrder{
		CustomerID:     u.ID,
		DriverID:       d.ID,
		PickupAddress:  "1 Main St",
		DropoffAddress: "9 Side Rd",
		Items:          []repo.Item{{Name: "noodles", Quantity: 2, UnitPriceCents: 650}},
	})
	require.NoError(t, err)

	res := f.drain(t)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Deferred)

	calls := f.gw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, model.EntityDriver, calls[1].EntityType)
	assert.Contains(t, string(calls[1].Payload), `"user_id":"usr-1"`)
	assert.Equal(t, model.EntityOrder, calls[2].EntityType)
	assert.Contains(t, string(calls[2].Payload), `"driver_id":"drv-123"`)
	assert.Contains(t, string(calls[2].Payload), `"customer_id":"usr-1"`)
	assert.NotContains(t, string(calls[2].Payload), "local-")

	driver, err := f.store.GetDriver(ctx, "drv-123")
	require.NoError(t, err)
	assert.Equal(t, "usr-1", driver.UserID)
	assert.NotNil(t, driver.LastSyncedAt)
	_, err = f.store.GetDriver(ctx, "local-abc")
	assert.ErrorIs(t, err, store.ErrNotFound)

	order, err := f.store.GetOrder(ctx, "ord-9")
	require.NoError(t, err)
	assert.Equal(t, "drv-123", order.DriverID)
	assert.Equal(t, "usr-1", order.CustomerID)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "ord-9", order.Items[0].OrderID)
	_, err = f.store.GetOrder(ctx, o.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, e := range f.entries(t) {
		assert.Equal(t, queue.StatusCompleted, e.Status, "entry %d", e.ID)
	}
}

func TestDrain_DefersEntriesReferencingUnsyncedParent(t *testing.T) {
	f := setupEngine(t, []string{"u1", "abc"})
	f.gw.Script(model.OpCreate, model.EntityUser, "local-u1", testutil.FailTransient("503 service unavailable"))
	f.gw.AssignIDs(model.EntityUser, "usr-1")
	ctx := context.Background()

	u := f.createUser(t)
	_, err := f.repo.CreateDriver(ctx, repo.NewDriver{UserID: u.ID, LicenseNumber: "L", VehicleType: "van"})
	require.NoError(t, err)

	res := f.drain(t)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Transient)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, 1, f.gw.CallCount(), "driver must not be sent with a dangling user id")

	// Nothing is due until the backoff elapses.
	res = f.drain(t)
	assert.Zero(t, res.Attempted)

	f.clock.Advance(testPolicy.Delay(1))
	res = f.drain(t)
	assert.Equal(t, int64(1), res.Promoted)
	assert.Equal(t, 2, res.Succeeded)

	calls := f.gw.Calls()
	require.Len(t, calls, 3)
	assert.Contains(t, string(calls[2].Payload), `"user_id":"usr-1"`)
}

func TestDrain_ServerEchoesProvisionalIDDoesNotDeferForever(t *testing.T) {
	g := gateway.Func(func(ctx context.Context, req gateway.Request) gateway.Result {
		return gateway.Succeeded(req.EntityID)
	})
	f := setupEngineWith(t, g, nil, []string{"u1", "abc"})
	ctx := context.Background()

	u := f.createUser(t)
	_, err := f.repo.CreateDriver(ctx, repo.NewDriver{UserID: u.ID, LicenseNumber: "L", VehicleType: "van"})
	require.NoError(t, err)

	res := f.drain(t)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Deferred)
}

func TestDrain_PerEntityOrdering(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	f.gw.Script(model.OpCreate, model.EntityUser, "", testutil.FailPermanent("422 email taken"))
	f.gw.AssignIDs(model.EntityUser, "usr-1")
	ctx := context.Background()

	u := f.createUser(t)
	name := "Ada L."
	_, err := f.repo.UpdateUser(ctx, u.ID, repo.UserUpdate{Name: &name})
	require.NoError(t, err)

	res := f.drain(t)
	assert.Equal(t, 1, res.Permanent)
	assert.Equal(t, 1, res.Skipped)
	require.Equal(t, 1, f.gw.CallCount(), "update must wait for the failed create")

	// Still blocked on the next pass: permanent failures are never retried
	// automatically.
	res = f.drain(t)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, 1, res.Skipped)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, queue.StatusFailed, entries[0].Status)
	assert.Equal(t, queue.FailurePermanent, entries[0].FailureKind)
	assert.Equal(t, "422 email taken", entries[0].LastError)

	require.NoError(t, f.queue.Retry(ctx, entries[0].ID))
	res = f.drain(t)
	assert.Equal(t, 2, res.Succeeded)

	calls := f.gw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, model.OpCreate, calls[1].Operation)
	assert.Equal(t, model.OpUpdate, calls[2].Operation)
	assert.Equal(t, "usr-1", calls[2].EntityID, "update re-keyed by the create's reconciliation")
}

func TestDrain_OtherEntitiesProceedPastFailure(t *testing.T) {
	f := setupEngine(t, []string{"u1", "u2"})
	f.gw.Script(model.OpCreate, model.EntityUser, "local-u1", testutil.FailPermanent("400 bad request"))
	ctx := context.Background()

	f.createUser(t)
	_, err := f.repo.CreateUser(ctx, repo.NewUser{Name: "Grace", Email: "grace@example.com"})
	require.NoError(t, err)

	res := f.drain(t)
	assert.Equal(t, 1, res.Permanent)
	assert.Equal(t, 1, res.Succeeded)
}

// An order update that times out three times and then succeeds keeps the
// count of failed attempts.
func TestDrain_TimeoutsThenSuccessPreservesRetryCount(t *testing.T) {
	f := setupEngine(t, nil, WithCallTimeout(20*time.Millisecond))
	f.gw.Script(model.OpUpdate, model.EntityOrder, "ord-1", testutil.Hang(), testutil.Hang(), testutil.Hang())
	ctx := context.Background()

	f.seedSynced(t, serverOrder("ord-1"))
	addr := "12 New St"
	_, err := f.repo.UpdateOrder(ctx, "ord-1", repo.OrderUpdate{DropoffAddress: &addr})
	require.NoError(t, err)
	entryID := f.entries(t)[0].ID

	for attempt := 1; attempt <= 3; attempt++ {
		res := f.drain(t)
		require.Equal(t, 1, res.Transient, "attempt %d", attempt)

		e := f.entry(t, entryID)
		assert.Equal(t, queue.StatusFailed, e.Status)
		assert.Equal(t, queue.FailureTransient, e.FailureKind)
		assert.Equal(t, attempt, e.RetryCount)
		assert.Contains(t, e.LastError, "timed out")
		require.NotNil(t, e.NextAttemptAt)
		assert.Equal(t, f.clock.Now().Add(testPolicy.Delay(attempt)), *e.NextAttemptAt)

		f.clock.Advance(testPolicy.Delay(attempt))
	}

	res := f.drain(t)
	assert.Equal(t, 1, res.Succeeded)

	e := f.entry(t, entryID)
	assert.Equal(t, queue.StatusCompleted, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Empty(t, e.LastError)

	calls := f.gw.Calls()
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, calls[0].IdempotencyKey, c.IdempotencyKey)
	}

	order, err := f.store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "12 New St", order.DropoffAddress)
}

func TestDrain_ExhaustedRetriesStopAutomaticAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
	f := setupEngine(t, []string{"u1"}, WithRetryPolicy(policy))
	f.gw.Script("", model.EntityUser, "", testutil.FailTransient("502"), testutil.FailTransient("502"))
	ctx := context.Background()

	f.createUser(t)
	f.drain(t)
	f.clock.Advance(time.Hour)
	f.drain(t)

	e := f.entries(t)[0]
	assert.Equal(t, 2, e.RetryCount)
	assert.Nil(t, e.NextAttemptAt)

	f.clock.Advance(24 * time.Hour)
	res := f.drain(t)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, 2, f.gw.CallCount())

	// Manual retry is always allowed.
	require.NoError(t, f.queue.Retry(ctx, e.ID))
	res = f.drain(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, f.entry(t, e.ID).RetryCount)
}

func TestDrain_RecoversInFlightEntries(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	ctx := context.Background()

	f.createUser(t)
	id := f.entries(t)[0].ID
	// A previous process died mid-call.
	require.NoError(t, f.queue.MarkSyncing(ctx, id))

	res := f.drain(t)
	assert.Equal(t, int64(1), res.Recovered)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, f.entry(t, id).RetryCount)

	// Completed entries are never sent again.
	res = f.drain(t)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, 1, f.gw.CallCount())
}

func TestDrain_CancelDuringCallLeavesEntrySyncing(t *testing.T) {
	f := setupEngine(t, []string{"u1"}, WithCallTimeout(time.Minute))
	f.gw.Script("", "", "", testutil.Hang())

	f.createUser(t)
	id := f.entries(t)[0].ID

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.gw.CallCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := f.engine.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	e := f.entry(t, id)
	assert.Equal(t, queue.StatusSyncing, e.Status)
	assert.Equal(t, 0, e.RetryCount)

	// At-least-once: the next pass sends it again under the same key.
	res := f.drain(t)
	assert.Equal(t, int64(1), res.Recovered)
	assert.Equal(t, 1, res.Succeeded)
	calls := f.gw.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
}

func TestDrain_CancelBetweenEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := gateway.Func(func(context.Context, gateway.Request) gateway.Result {
		cancel()
		return gateway.Succeeded("usr-1")
	})
	f := setupEngineWith(t, g, nil, []string{"u1", "u2"})
	f.createUser(t)
	_, err := f.repo.CreateUser(context.Background(), repo.NewUser{Name: "Grace", Email: "g@example.com"})
	require.NoError(t, err)

	_, err = f.engine.Drain(ctx)
	require.ErrorIs(t, err, context.Canceled)

	entries := f.entries(t)
	require.Len(t, entries, 2)
	assert.NotEqual(t, queue.StatusFailed, entries[0].Status)
	assert.Equal(t, queue.StatusPending, entries[1].Status, "no entry started after cancellation")
}

func TestDrain_ReconcileConflictIsPermanent(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	f.gw.AssignIDs(model.EntityUser, "usr-1")
	ctx := context.Background()

	f.seedSynced(t, &model.User{ID: "usr-1", Name: "Other", Email: "o@example.com", Role: model.RoleCustomer,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now()})
	f.createUser(t)

	res := f.drain(t)
	assert.Equal(t, 1, res.Permanent)

	e := f.entries(t)[0]
	assert.Equal(t, queue.StatusFailed, e.Status)
	assert.Equal(t, queue.FailurePermanent, e.FailureKind)
	assert.Contains(t, e.LastError, string(ErrCodeReconcile))
	assert.Contains(t, e.LastError, "identity already taken")
	assert.Equal(t, "local-u1", e.EntityID)

	local, err := f.store.GetUser(ctx, "local-u1")
	require.NoError(t, err)
	assert.Nil(t, local.LastSyncedAt, "rolled back reconciliation stamps nothing")
}

func TestDrain_CreateWithoutServerIDIsPermanent(t *testing.T) {
	g := gateway.Func(func(context.Context, gateway.Request) gateway.Result {
		return gateway.Succeeded("")
	})
	f := setupEngineWith(t, g, nil, []string{"u1"})
	f.createUser(t)

	res := f.drain(t)
	assert.Equal(t, 1, res.Permanent)
	e := f.entries(t)[0]
	assert.Equal(t, queue.FailurePermanent, e.FailureKind)
	assert.Contains(t, e.LastError, string(ErrCodeMissingServerID))
}

func TestDrain_DeleteCompletes(t *testing.T) {
	f := setupEngine(t, nil)
	ctx := context.Background()

	f.seedSynced(t, serverOrder("ord-1"))
	require.NoError(t, f.repo.DeleteOrder(ctx, "ord-1"))

	res := f.drain(t)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, model.OpDelete, f.gw.Calls()[0].Operation)
	assert.Equal(t, queue.StatusCompleted, f.entries(t)[0].Status)
}

func TestDrain_GatewayPanicIsPermanent(t *testing.T) {
	g := gateway.Func(func(context.Context, gateway.Request) gateway.Result {
		panic("boom")
	})
	f := setupEngineWith(t, g, nil, []string{"u1"})
	f.createUser(t)

	res := f.drain(t)
	assert.Equal(t, 1, res.Permanent)
	assert.Contains(t, f.entries(t)[0].LastError, "gateway panic: boom")
}

func TestDrain_RefusesConcurrentPass(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	g := gateway.Func(func(context.Context, gateway.Request) gateway.Result {
		close(entered)
		<-release
		return gateway.Succeeded("usr-1")
	})
	f := setupEngineWith(t, g, nil, []string{"u1"})
	f.createUser(t)

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Drain(context.Background())
		done <- err
	}()
	<-entered

	_, err := f.engine.Drain(context.Background())
	assert.ErrorIs(t, err, ErrDrainInProgress)

	close(release)
	require.NoError(t, <-done)
}

func TestDrain_StorageFaultAborts(t *testing.T) {
	f := setupEngine(t, []string{"u1"})
	f.createUser(t)
	require.NoError(t, f.store.Close())

	_, err := f.engine.Drain(context.Background())
	require.Error(t, err)
	assert.True(t, IsStorageError(err))
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Zero(t, f.gw.CallCount())
}
