package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/gateway"
	"github.com/roach88/courier/internal/ids"
	"github.com/roach88/courier/internal/model"
	"github.com/roach88/courier/internal/queue"
	"github.com/roach88/courier/internal/reconcile"
	"github.com/roach88/courier/internal/repo"
	"github.com/roach88/courier/internal/store"
	"github.com/roach88/courier/internal/testutil"
)

type fixture struct {
	engine *Engine
	store  *store.Store
	queue  *queue.Queue
	repo   *repo.Repo
	gw     *testutil.ScriptedGateway
	clock  *testutil.FakeClock
}

// testPolicy keeps delays readable in assertions.
var testPolicy = RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: time.Minute}

// setupEngine wires an engine over a temp-dir store and a scripted gateway.
// Provisional ids are minted from localIDs (local-<value>), falling back to
// a sequence when none are given.
func setupEngine(t *testing.T, localIDs []string, opts ...Option) *fixture {
	t.Helper()
	gw := testutil.NewScriptedGateway()
	return setupEngineWith(t, gw, gw, localIDs, opts...)
}

func setupEngineWith(t *testing.T, g gateway.Gateway, gw *testutil.ScriptedGateway, localIDs []string, opts ...Option) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := testutil.NewFakeClock()
	q := queue.New(s, queue.WithClock(clk), queue.WithKeyGenerator(ids.NewSequenceGenerator("idem")))
	rec := reconcile.New(s, q, reconcile.WithClock(clk))

	var gen ids.Generator = ids.NewSequenceGenerator("id")
	if len(localIDs) > 0 {
		gen = ids.NewFixedGenerator(localIDs...)
	}
	r := repo.New(s, q, repo.WithClock(clk), repo.WithIDGenerator(gen))

	base := []Option{WithClock(clk), WithRetryPolicy(testPolicy), WithCallTimeout(time.Second)}
	e := New(s, q, rec, g, append(base, opts...)...)
	return &fixture{engine: e, store: s, queue: q, repo: r, gw: gw, clock: clk}
}

func (f *fixture) drain(t *testing.T) DrainResult {
	t.Helper()
	res, err := f.engine.Drain(context.Background())
	require.NoError(t, err)
	return res
}

func (f *fixture) entry(t *testing.T, id int64) *queue.Entry {
	t.Helper()
	e, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (f *fixture) entries(t *testing.T) []queue.Entry {
	t.Helper()
	list, err := f.queue.List(context.Background(), queue.Filter{})
	require.NoError(t, err)
	return list
}

func (f *fixture) createUser(t *testing.T) *model.User {
	t.Helper()
	u, err := f.repo.CreateUser(context.Background(), repo.NewUser{Name: "Ada", Email: "ada@example.com", Role: model.RoleDriver})
	require.NoError(t, err)
	return u
}

// seedSynced stores an entity as if it had come from the server.
func (f *fixture) seedSynced(t *testing.T, e model.Entity) {
	t.Helper()
	e.SetLastSyncedAt(f.clock.Now())
	require.NoError(t, f.store.Upsert(context.Background(), e))
}

func serverOrder(id string) *model.Order {
	now := testutil.DefaultEpoch
	return &model.Order{
		ID:             id,
		CustomerID:     "usr-1",
		Status:         model.OrderPending,
		PickupAddress:  "1 Main St",
		DropoffAddress: "9 Side Rd",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
