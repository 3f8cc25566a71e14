package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cubrid/gobroker/internal/admin"
	"github.com/cubrid/gobroker/internal/health"
	"github.com/cubrid/gobroker/internal/scm"
)

func newTestSCM(t *testing.T) *scm.SCM {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.scm")
	s, err := scm.Create(path, 2, 4, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		s.Remove()
	})
	return s
}

func newTestServer(t *testing.T, s *scm.SCM, tokenHash string) (*admin.Server, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sampler := health.NewSampler(s, time.Hour, logger)
	srv := admin.New(s, sampler, tokenHash, func() string { return "ON" }, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestAdmin_StatusReportsWorkerTable(t *testing.T) {
	s := newTestSCM(t)
	require.NoError(t, s.PutWorkerSlot(0, scm.WorkerSlot{PID: 1, State: scm.StateIdle}))
	_, ts := newTestServer(t, s, "")

	resp, err := http.Get(ts.URL + "/admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap health.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "ON", snap.BrokerState)
}

func TestAdmin_CommandRejectsUnknownOpcode(t *testing.T) {
	s := newTestSCM(t)
	_, ts := newTestServer(t, s, "")

	body, _ := json.Marshal(map[string]any{"opcode": "not_a_real_command"})
	resp, err := http.Post(ts.URL+"/admin/command", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_StatusRequiresAuthWhenTokenConfigured(t *testing.T) {
	s := newTestSCM(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	_, ts := newTestServer(t, s, string(hash))

	resp, err := http.Get(ts.URL + "/admin/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/admin/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestAdmin_CommandAppliedByDispatcherIsAcknowledged(t *testing.T) {
	s := newTestSCM(t)
	_, ts := newTestServer(t, s, "")

	body, _ := json.Marshal(map[string]any{"opcode": "broker_on"})
	go func() {
		// Simulate the dispatcher's control-tick response so the handler's
		// poll loop has something to observe.
		time.Sleep(30 * time.Millisecond)
		entry, err := s.ReadMailbox(s.GlobalMailboxIndex())
		if err == nil {
			_ = s.PostResponse(s.GlobalMailboxIndex(), entry.Seq, 0)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/admin/command", bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
