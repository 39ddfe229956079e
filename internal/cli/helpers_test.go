package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// executeJSON runs args with --format json and returns the data field.
func executeJSON(t *testing.T, args ...string) gjson.Result {
	t.Helper()

	out, stderr, err := execute(t, append([]string{"--format", "json"}, args...)...)
	require.NoError(t, err, "stderr: %s", stderr)
	require.True(t, gjson.Valid(out), "not JSON: %s", out)
	resp := gjson.Parse(out)
	require.Equal(t, "ok", resp.Get("status").String(), out)
	return resp.Get("data")
}

// tempDB returns a database path in a fresh temp directory.
func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "courier.db")
}

// writeConfig writes a config file pointing at baseURL and returns its path.
func writeConfig(t *testing.T, baseURL string, extra string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "courier.yaml")
	body := fmt.Sprintf("remote:\n  base_url: %s\nsync:\n  call_timeout: 5s\n%s", baseURL, extra)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// remoteCall is one request received by fakeRemote.
type remoteCall struct {
	Method         string
	Path           string
	IdempotencyKey string
	Body           string
}

// fakeRemote is an in-process REST server. Creates are answered with
// "<prefix>-N" ids; reject maps a collection path to a status code returned
// instead.
type fakeRemote struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []remoteCall
	next   int
	reject map[string]int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()

	f := &fakeRemote{reject: make(map[string]int)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRemote) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, remoteCall{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Body:           string(body),
	})
	collection := "/" + strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")[0]
	status, rejected := f.reject[collection]
	f.next++
	n := f.next
	f.mu.Unlock()

	if rejected {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rejected by test"})
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	prefix := strings.TrimSuffix(strings.TrimPrefix(collection, "/"), "s")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("%s-%d", prefix, n)})
}

func (f *fakeRemote) Calls() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

func (f *fakeRemote) Reject(collection string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[collection] = status
}

func (f *fakeRemote) Accept(collection string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reject, collection)
}
