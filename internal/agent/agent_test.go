// internal/agent/agent_test.go
package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/ipwatch/internal/config"
	"github.com/signalnine/ipwatch/internal/protocol"
)

type ingestRecorder struct {
	mu      sync.Mutex
	entries []protocol.LogEntry
	auth    string
	status  int
}

func (r *ingestRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth = req.Header.Get("Authorization")
	if req.URL.Path != IngestPath {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	var batch []protocol.LogEntry
	if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	r.entries = append(r.entries, batch...)
	w.WriteHeader(http.StatusAccepted)
}

func (r *ingestRecorder) received() []protocol.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.LogEntry(nil), r.entries...)
}

func newTestAgent(t *testing.T, serverURL, logFile, stateFile string) *Agent {
	t.Helper()
	a := New(&config.AgentConfig{
		ServerURL:     serverURL,
		LogFile:       logFile,
		MonitoredIP:   "10.0.0.1",
		StateFile:     stateFile,
		FlushInterval: 50 * time.Millisecond,
		BatchSize:     100,
		APIKey:        "agent-key",
	})
	a.poll = true
	return a
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAgentShipsLines(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "auth.log")
	stateFile := filepath.Join(dir, "auth.offset")

	content := "sshd: Failed password for root from 1.2.3.4 port 22\n" +
		"kernel: eth0 link up\n" +
		"[UFW BLOCK] IN=eth0 OUT= SRC=5.6.7.8 DST=10.0.0.1 DPT=23\n"
	require.NoError(t, os.WriteFile(logFile, []byte(content), 0644))
	require.NoError(t, WriteOffset(stateFile, 0))

	runAgent(t, newTestAgent(t, srv.URL, logFile, stateFile))

	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, 5*time.Second, 20*time.Millisecond)

	got := rec.received()
	assert.Equal(t, "1.2.3.4", got[0].SourceIP)
	assert.Equal(t, "5.6.7.8", got[1].SourceIP)
	assert.Equal(t, "10.0.0.1", got[0].MonitoredIP)
	rec.mu.Lock()
	assert.Equal(t, "Bearer agent-key", rec.auth)
	rec.mu.Unlock()

	require.Eventually(t, func() bool {
		offset, ok, _ := ReadOffset(stateFile)
		return ok && offset == int64(len(content))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgentResumesFromOffset(t *testing.T) {
	rec := &ingestRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "auth.log")
	stateFile := filepath.Join(dir, "auth.offset")

	first := "sshd: Failed password for root from 1.1.1.1 port 22\n"
	second := "sshd: Invalid user admin from 2.2.2.2 port 22\n"
	require.NoError(t, os.WriteFile(logFile, []byte(first+second), 0644))
	require.NoError(t, WriteOffset(stateFile, int64(len(first))))

	runAgent(t, newTestAgent(t, srv.URL, logFile, stateFile))

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "2.2.2.2", rec.received()[0].SourceIP)
}

func TestAgentKeepsBatchOnFailure(t *testing.T) {
	rec := &ingestRecorder{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "auth.log")
	stateFile := filepath.Join(dir, "auth.offset")
	require.NoError(t, os.WriteFile(logFile, []byte("sshd: Failed password from 3.3.3.3\n"), 0644))
	require.NoError(t, WriteOffset(stateFile, 0))

	runAgent(t, newTestAgent(t, srv.URL, logFile, stateFile))

	// offset must not advance while the server rejects batches
	time.Sleep(300 * time.Millisecond)
	offset, _, _ := ReadOffset(stateFile)
	assert.Equal(t, int64(0), offset)

	rec.mu.Lock()
	rec.status = 0
	rec.mu.Unlock()

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
}
