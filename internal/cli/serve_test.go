package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chainlog/internal/ir"
)

// startServe runs the serve command until the test ends and returns its address.
func startServe(t *testing.T, db string) string {
	t.Helper()

	ready := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Database: db},
		Ready:       func(addr string) { ready <- addr },
	}
	cmd := newServeCommand(opts)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	select {
	case addr := <-ready:
		return addr
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}
	return ""
}

func postMutation(t *testing.T, addr string, writes ...ir.RecordWrite) {
	t.Helper()
	raw, err := ir.Mutation{Records: writes}.Marshal()
	require.NoError(t, err)
	body, err := json.Marshal(map[string][]byte{"mutation": raw})
	require.NoError(t, err)

	resp, err := http.Post("http://"+addr+"/submit", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeAndTail(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")
	_, err := execute(t, "submit", "--db", db, "--set", "/a=1")
	require.NoError(t, err)

	addr := startServe(t, db)

	out := &bytes.Buffer{}
	tail := NewRootCommand()
	tail.SetOut(out)
	tail.SetErr(&bytes.Buffer{})
	tail.SetArgs([]string{"tail", "--server", "http://" + addr, "--from", "0", "--count", "2"})

	done := make(chan error, 1)
	go func() { done <- tail.Execute() }()

	postMutation(t, addr, ir.RecordWrite{Key: []byte("/b"), Value: []byte("2")})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("tail did not finish")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "#0 "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "#1 "), lines[1])
	assert.True(t, strings.HasSuffix(lines[1], "1 record"), lines[1])

	out2, err := execute(t, "verify", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out2, "2 transactions")
}

func TestServeHealth(t *testing.T) {
	addr := startServe(t, filepath.Join(t.TempDir(), "ledger.db"))

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTailConnectionRefused(t *testing.T) {
	_, err := execute(t, "tail", "--server", "http://127.0.0.1:1", "--count", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		from int64
		want string
	}{
		{"http://localhost:8080", -1, "ws://localhost:8080/stream"},
		{"https://ledger.example.com/api/", 5, "wss://ledger.example.com/api/stream?from=5"},
		{"ws://h", 0, "ws://h/stream?from=0"},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.base, tt.from)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := streamURL("ftp://h", -1)
	assert.Error(t, err)
}
