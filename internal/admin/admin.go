// Package admin implements the HTTP control plane of spec §4.8: a
// cleartext HTTP/2 (h2c) API that posts commands into the SCM admin
// mailbox and polls for the dispatcher's response, a JSON status
// snapshot for the admin CLI's status/getid read path, and a websocket
// feed of live worker-table telemetry (SPEC_FULL §B, §C.2).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/health"
	"github.com/cubrid/gobroker/internal/logging"
	"github.com/cubrid/gobroker/internal/metrics"
	"github.com/cubrid/gobroker/internal/scm"
)

// mailboxPollInterval is how often handleCommand re-checks the mailbox
// slot it posted to while waiting for the dispatcher's control tick to
// process it.
const mailboxPollInterval = 20 * time.Millisecond

// commandTimeout bounds how long handleCommand waits for a response
// before answering the caller with a gateway timeout; the dispatcher's
// own controlTick is 1s, so several ticks fit comfortably inside this.
const commandTimeout = 5 * time.Second

// Recorder persists admin activity for the optional audit trail
// (SPEC_FULL §C.3). A nil Recorder disables recording.
type Recorder interface {
	RecordCommand(ctx context.Context, commandID, opcode, arg string, worker int, respCode int32)
}

// History serves the admin CLI's history subcommand. The return value
// is re-encoded as JSON verbatim; kept as `any` so this package never
// needs to import internal/audit's concrete record type. A nil History
// disables the /admin/history route (404).
type History interface {
	History(ctx context.Context, limit int) (any, error)
}

// nanoidAlphabet keeps generated command IDs looking the same across
// the codebase.
const nanoidAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var opcodeByName = map[string]scm.Opcode{
	"broker_on":   scm.OpBrokerOn,
	"broker_off":  scm.OpBrokerOff,
	"suspend":     scm.OpSuspend,
	"resume":      scm.OpResume,
	"add":         scm.OpAdd,
	"drop":        scm.OpDrop,
	"restart":     scm.OpRestart,
	"conf_change": scm.OpConfChange,
	"reset_log":   scm.OpResetLog,
}

// Server hosts the admin HTTP API for one broker.
type Server struct {
	scm       *scm.SCM
	sampler   *health.Sampler
	stateFn   func() string
	tokenHash []byte
	recorder  Recorder
	history   History
	logger    *slog.Logger

	httpServer *http.Server
}

// New builds an admin Server. tokenHash is the bcrypt hash of the shared
// admin bearer token; an empty hash disables authentication (tests,
// or an operator who never set admin_token_hash). stateFn reports the
// dispatcher's current BrokerState as a string; recorder and history may
// both be nil when the audit trail is disabled.
func New(s *scm.SCM, sampler *health.Sampler, tokenHash string, stateFn func() string, recorder Recorder, logger *slog.Logger) *Server {
	return &Server{scm: s, sampler: sampler, tokenHash: []byte(tokenHash), stateFn: stateFn, recorder: recorder, logger: logger}
}

// WithHistory attaches a History source for the /admin/history route.
// Separate from New because not every caller wires an audit trail.
func (s *Server) WithHistory(h History) *Server {
	s.history = h
	return s
}

// Handler builds the admin API's http.Handler. The whole mux is wrapped
// for h2c (cleartext HTTP/2) so an HTTP/2-capable client can reuse one
// connection for request/response calls and the telemetry stream alike;
// HTTP/1.1 clients such as cmd/broker's admin CLI are served as well.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/command", s.requireAuth(s.handleCommand))
	mux.HandleFunc("/admin/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/admin/watch", s.requireAuth(s.handleWatch))
	mux.HandleFunc("/admin/history", s.requireAuth(s.handleHistory))
	mux.Handle("/metrics", promhttp.Handler())

	h2cHandler := h2c.NewHandler(
		logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		&http2.Server{MaxConcurrentStreams: 250},
	)
	return h2cHandler
}

// Serve runs the admin API on addr until ctx is cancelled, then shuts
// down gracefully (grounded on hub/server.go's Serve shutdown sequence).
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authOK(r.Header.Get("Authorization")) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authOK(header string) bool {
	if len(s.tokenHash) == 0 {
		return true
	}
	token := tokenFromHeader(header)
	if token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

func tokenFromHeader(h string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

type commandRequest struct {
	Opcode string `json:"opcode"`
	Arg    string `json:"arg"`
	// Worker selects a per-worker mailbox slot; omit or set -1 to target
	// the global mailbox (spec §4.8).
	Worker int `json:"worker"`
}

type commandResponse struct {
	CommandID string `json:"command_id"`
	RespCode  int32  `json:"resp_code"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req := commandRequest{Worker: -1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	opcode, ok := opcodeByName[req.Opcode]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown opcode %q", req.Opcode), http.StatusBadRequest)
		return
	}

	mbIndex := s.scm.GlobalMailboxIndex()
	if req.Worker >= 0 {
		mbIndex = req.Worker
	}

	commandID, err := gonanoid.Generate(nanoidAlphabet, 16)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	seq, err := s.scm.PostCommand(mbIndex, opcode, req.Arg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	respCode, err := s.awaitResponse(r.Context(), mbIndex, seq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	if s.recorder != nil {
		s.recorder.RecordCommand(r.Context(), commandID, req.Opcode, req.Arg, req.Worker, respCode)
	}

	writeJSON(w, http.StatusOK, commandResponse{
		CommandID: commandID,
		RespCode:  respCode,
		Message:   brokererr.Code(respCode).String(),
	})
}

// awaitResponse polls the mailbox slot until the dispatcher's
// processAdminCommands has cleared Pending and stamped seq as RespSeq,
// or commandTimeout elapses.
func (s *Server) awaitResponse(ctx context.Context, mbIndex int, seq int64) (int32, error) {
	deadline := time.Now().Add(commandTimeout)
	for {
		entry, err := s.scm.ReadMailbox(mbIndex)
		if err == nil && !entry.Pending && entry.RespSeq == seq {
			return entry.RespCode, nil
		}
		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out waiting for broker response")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(mailboxPollInterval):
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.sampler.Snapshot(s.stateFn()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "audit trail is not enabled", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.history.History(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleWatch streams a health.Snapshot once per second over a
// websocket connection, using plain JSON frames since this telemetry
// feed has no generated schema to share with a browser client.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"cubrid.broker.telemetry.v1"},
	})
	if err != nil {
		s.logger.Debug("admin/watch: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
			data, err := json.Marshal(s.sampler.Snapshot(s.stateFn()))
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
