package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePurge(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := writeConfig(t, remote.URL, "")
	db := tempDB(t)

	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")
	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Bob", "--email", "bob@example.com")
	executeJSON(t, "-c", cfg, "--db", db, "drain")

	// Default retention keeps fresh entries.
	out, _, err := execute(t, "-c", cfg, "--db", db, "queue", "purge")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 0 completed entries")

	out, _, err = execute(t, "-c", cfg, "--db", db, "queue", "purge", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "purged 2 completed entries")

	status := executeJSON(t, "-c", cfg, "--db", db, "status")
	assert.Equal(t, int64(0), status.Get("stats.completed").Int())
	assert.Equal(t, int64(2), status.Get("entities.user").Int())
}

func TestQueueRetry_Arguments(t *testing.T) {
	db := tempDB(t)

	_, _, err := execute(t, "--db", db, "queue", "retry")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "--db", db, "queue", "retry", "--all", "3")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, "--db", db, "queue", "retry", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid entry id "abc"`)

	_, _, err = execute(t, "--db", db, "queue", "retry", "42")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, _, err := execute(t, "--db", db, "queue", "retry", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "0 entries queued for retry")
}

func TestQueueRetry_CompletedEntry(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := writeConfig(t, remote.URL, "")
	db := tempDB(t)

	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")
	executeJSON(t, "-c", cfg, "--db", db, "drain")

	_, _, err := execute(t, "-c", cfg, "--db", db, "queue", "retry", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "completed")
}

func TestQueueList_Filters(t *testing.T) {
	db := tempDB(t)

	user := executeJSON(t, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")
	executeJSON(t, "--db", db, "order", "create",
		"--customer", user.Get("entity.id").String(),
		"--pickup", "1 Main St", "--dropoff", "9 Elm St")

	orders := executeJSON(t, "--db", db, "queue", "list", "--entity", "order")
	require.Len(t, orders.Array(), 1)
	assert.Equal(t, "order", orders.Get("0.entity_type").String())

	limited := executeJSON(t, "--db", db, "queue", "list", "--limit", "1")
	require.Len(t, limited.Array(), 1)
	assert.Equal(t, "user", limited.Get("0.entity_type").String())

	none := executeJSON(t, "--db", db, "queue", "list", "--status", "failed")
	assert.True(t, none.IsArray())
	assert.Empty(t, none.Array())

	_, _, err := execute(t, "--db", db, "queue", "list", "--status", "stuck")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
