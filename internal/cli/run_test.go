package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/courier/internal/config"
	"github.com/roach88/courier/internal/repo"
)

// executeUntil runs args in the background and cancels it once done
// reports true (or after a timeout). It returns stdout and the command's
// error.
func executeUntil(t *testing.T, done func() bool, args ...string) (string, error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := NewRootCommand()
	var stdout, stderr syncBuffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !done() {
		select {
		case err := <-errCh:
			return stdout.String(), err
		case <-deadline:
			t.Fatalf("condition not reached; stderr: %s", stderr.String())
		case <-ticker.C:
		}
	}

	cancel()
	select {
	case err := <-errCh:
		return stdout.String(), err
	case <-time.After(5 * time.Second):
		t.Fatal("command did not stop after cancel")
		return "", nil
	}
}

// posts counts create requests the remote has seen.
func posts(f *fakeRemote) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == http.MethodPost {
			n++
		}
	}
	return n
}

func TestRun_ManualModeDrainsAndStopsCleanly(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := writeConfig(t, remote.URL, "")
	db := tempDB(t)

	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")

	out, err := executeUntil(t, func() bool { return posts(remote) == 1 }, "-c", cfg, "--db", db, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Sync running")

	status := executeJSON(t, "-c", cfg, "--db", db, "status")
	assert.Equal(t, int64(1), status.Get("stats.completed").Int())
}

func TestRun_ProbeMode(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := writeConfig(t, remote.URL, "connectivity:\n  mode: probe\n  probe_url: "+remote.URL+"/health\n  probe_interval: 50ms\n")
	db := tempDB(t)

	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")

	_, err := executeUntil(t, func() bool { return posts(remote) == 1 }, "-c", cfg, "--db", db, "run")
	require.NoError(t, err)

	calls := remote.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "/health", calls[0].Path, "probe runs before anything is sent")
}

func TestRun_SocketModeUsesToken(t *testing.T) {
	remote := newFakeRemote(t)

	gotAuth := make(chan string, 1)
	sock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotAuth <- r.Header.Get("Authorization"):
		default:
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		for {
			if _, _, err := c.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	defer sock.Close()

	t.Setenv("COURIER_TEST_TOKEN", "tok-42")
	wsURL := "ws" + strings.TrimPrefix(sock.URL, "http")
	cfg := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(`remote:
  base_url: %s
  token_env: COURIER_TEST_TOKEN
connectivity:
  mode: socket
  socket_url: %s
`, remote.URL, wsURL)), 0o644))
	db := tempDB(t)

	executeJSON(t, "-c", cfg, "--db", db, "user", "create", "--name", "Ann", "--email", "ann@example.com")

	_, err := executeUntil(t, func() bool { return posts(remote) == 1 }, "-c", cfg, "--db", db, "run")
	require.NoError(t, err)

	select {
	case auth := <-gotAuth:
		assert.Equal(t, "Bearer tok-42", auth)
	default:
		t.Fatal("socket was never dialed")
	}
}

func TestRun_UnknownGatewayConfig(t *testing.T) {
	_, _, err := execute(t, "--db", tempDB(t), "run")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a running
// command and reads from the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPurgeLoop_PurgesAndStopsWithContext(t *testing.T) {
	a, err := openApp(&RootOptions{Database: tempDB(t)}, io.Discard)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	_, err = a.repo.CreateUser(ctx, repo.NewUser{Name: "Ann", Email: "ann@example.com"})
	require.NoError(t, err)
	pending, err := a.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, a.queue.MarkSyncing(ctx, pending[0].ID))
	require.NoError(t, a.queue.MarkCompleted(ctx, pending[0].ID, "usr-1"))

	a.cfg.Sync.Retention = config.Duration(time.Nanosecond)
	a.cfg.Sync.PurgeInterval = config.Duration(5 * time.Millisecond)

	loopCtx, cancel := context.WithCancel(ctx)
	done := startPurge(loopCtx, a)
	require.Eventually(t, func() bool {
		stats, err := a.queue.Stats(ctx)
		return err == nil && stats.Completed == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("purge loop did not stop")
	}
}

func TestPurgeLoop_DisabledReturnsAtOnce(t *testing.T) {
	a, err := openApp(&RootOptions{Database: tempDB(t)}, io.Discard)
	require.NoError(t, err)
	defer a.Close()

	a.cfg.Sync.PurgeInterval = 0
	select {
	case <-startPurge(context.Background(), a):
	case <-time.After(time.Second):
		t.Fatal("disabled purge loop kept running")
	}
}
