// Package worker implements the CAS worker process side of spec §4.2:
// one-time backend connection and IDLE announcement, then a loop that
// receives client fds from the master over the control socket, serves
// RPCs until the session ends, and returns to IDLE.
package worker

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/fdpass"
	"github.com/cubrid/gobroker/internal/scm"
	"github.com/cubrid/gobroker/internal/wire"
)

// sessionCounter mints process-local, monotonically increasing session
// ids. Combined with the worker's own slot index they are unique across
// the pool without any cross-process coordination.
var sessionCounter atomic.Int64

func mintSessionID(index int) int64 {
	return int64(index+1)<<48 | sessionCounter.Add(1)
}

// Worker runs one CAS worker process's lifecycle.
type Worker struct {
	scm     *scm.SCM
	index   int
	cfg     *config.BrokerConfig
	control *net.UnixConn
	dial    BackendDialer
	logger  *slog.Logger

	workerPort uint32
	backend    Backend
	sqlLog     *sqlLog
}

// New builds a Worker. control is this process's end of the fd-passing
// socket inherited from the master (fd 3 via exec.Cmd.ExtraFiles).
// workerPort is reported back to the client in the handshake reply so a
// keep_connection session can reconnect directly to this worker later;
// it may be 0 if this broker never offers direct reconnects.
func New(s *scm.SCM, index int, cfg *config.BrokerConfig, control *net.UnixConn, dial BackendDialer, workerPort uint32, logger *slog.Logger) *Worker {
	w := &Worker{scm: s, index: index, cfg: cfg, control: control, dial: dial, workerPort: workerPort, logger: logger}
	if l, err := newSQLLog(cfg, index); err == nil {
		w.sqlLog = l
	} else {
		logger.Warn("failed to open SQL log, logging disabled", "worker", index, "error", err)
	}
	return w
}

// Run performs the one-time init of spec §4.2 step 0 — open the
// backend connection, announce IDLE — then loops receiving client fds
// until ctx is cancelled or the control socket is lost.
func (w *Worker) Run(ctx context.Context) error {
	backend, err := dialWithBackoff(ctx, w.dial)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeBackendFail, err)
	}
	w.backend = backend
	defer w.backend.Close()
	defer w.sqlLog.Close()

	if err := w.announceIdle(); err != nil {
		return err
	}

	go w.pollAdminMailbox(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		clientFile, sb, err := fdpass.Recv(w.control)
		if err != nil {
			w.logger.Error("control socket lost, exiting", "error", err)
			return brokererr.Wrap(brokererr.CodeTransportFail, err)
		}
		w.serveClient(ctx, clientFile, sb)
	}
}

// pollAdminMailbox watches this worker's own per-worker mailbox slot for
// a reset_log command. The dispatcher deliberately leaves that opcode's
// Pending flag untouched in the per-worker mailbox (see
// dispatcher.processMailbox) precisely so this loop is the one to act on
// it and post the response.
func (w *Worker) pollAdminMailbox(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		entry, err := w.scm.ReadMailbox(w.index)
		if err != nil || !entry.Pending || entry.Opcode != scm.OpResetLog {
			continue
		}
		respCode := int32(brokererr.OK)
		if err := w.sqlLog.Reset(); err != nil {
			respCode = int32(brokererr.CodeInternal)
		}
		if err := w.scm.PostResponse(w.index, entry.Seq, respCode); err != nil {
			w.logger.Warn("failed to post reset_log response", "worker", w.index, "error", err)
		}
	}
}

func (w *Worker) announceIdle() error {
	lock, err := w.scm.SlotLock(w.index)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeInternal, err)
	}
	if err := lock.Lock(); err != nil {
		return brokererr.Wrap(brokererr.CodeInternal, err)
	}
	defer lock.Unlock()
	return w.scm.PutWorkerSlot(w.index, scm.WorkerSlot{
		PID:            int32(os.Getpid()),
		State:          scm.StateIdle,
		LastAccessUnix: time.Now().Unix(),
	})
}

// serveClient runs one session end to end (spec §4.2 steps 1-5). By the
// time the dispatcher hands off a job fd, it has already CAS-claimed
// this worker's slot IDLE->BUSY, so serveClient never needs to race
// another job for the claim — it only owns the handshake reply,
// the RPC loop, and the final return to IDLE (TERMINATED when the reply
// write or the backend fails). It never sets CLOSE_WAIT.
func (w *Worker) serveClient(ctx context.Context, clientFile *os.File, sb fdpass.Sideband) {
	defer clientFile.Close()

	sessionID := mintSessionID(w.index)
	if err := w.writeHandshakeReply(clientFile, sessionID); err != nil {
		w.logger.Error("failed to reply to client handshake", "error", err)
		w.finishSession(scm.StateTerminated)
		return
	}
	w.touchSlot(func(slot *scm.WorkerSlot) {
		slot.SessionID = sessionID
		slot.LastAccessUnix = time.Now().Unix()
	})

	deadline := w.cfg.SessionTimeout()
	nextState := w.rpcLoop(ctx, clientFile, deadline)
	w.finishSession(nextState)
}

func (w *Worker) writeHandshakeReply(conn *os.File, sessionID int64) error {
	reply := wire.HandshakeReply{Status: int32(brokererr.OK), SessionID: sessionID, WorkerPort: w.workerPort}
	_, err := conn.Write(wire.EncodeHandshakeReply(reply))
	if err != nil {
		return brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	return nil
}

// rpcLoop implements spec §4.2 step 4: decode opcode, call the backend,
// encode and write the response, update counters, repeat until
// end-of-session, a transport error, or session_timeout expiry. It
// returns the slot state the worker should settle into afterwards.
func (w *Worker) rpcLoop(ctx context.Context, conn *os.File, timeout time.Duration) scm.WorkerState {
	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}

		frame, err := wire.ReadFrame(conn)
		if err != nil {
			// Client close, read-deadline expiry (session_timeout) and any
			// other transport error all end the session the same way: the
			// slot returns to IDLE for reuse.
			return scm.StateIdle
		}

		start := time.Now()
		result, err := w.backend.Execute(ctx, frame)
		elapsed := time.Since(start)

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		w.sqlLog.Record(uint8(frame.Opcode), elapsed, 0, errMsg, "")

		w.touchSlot(func(slot *scm.WorkerSlot) {
			slot.NumRequests++
			slot.LastAccessUnix = time.Now().Unix()
			if err == nil {
				slot.NumQueries++
			} else {
				slot.NumErrors++
				slot.LogMsg = err.Error()
			}
		})

		if err != nil {
			be := toBrokerError(err)
			if werr := wire.WriteFrame(conn, wire.Frame{Opcode: wire.OpError, Payload: wire.EncodeError(be)}); werr != nil {
				return scm.StateTerminated
			}
			if be.Code == brokererr.CodeBackendFail {
				return scm.StateTerminated
			}
			continue
		}

		if werr := wire.WriteFrame(conn, result); werr != nil {
			return scm.StateTerminated
		}
	}
}

func toBrokerError(err error) *brokererr.Error {
	if be, ok := err.(*brokererr.Error); ok {
		return be
	}
	return brokererr.Wrap(brokererr.CodeBackendFail, err)
}

// finishSession releases the worker back to state (normally IDLE) and
// clears the session binding, making the slot eligible for the
// dispatcher's next pickWarmIdle scan.
func (w *Worker) finishSession(state scm.WorkerState) {
	w.touchSlot(func(slot *scm.WorkerSlot) {
		slot.State = state
		slot.SessionID = 0
		slot.LastAccessUnix = time.Now().Unix()
	})
}

// touchSlot performs a locked read-modify-write of this worker's own
// slot (spec §4.1: workers have read/write access only to their own
// entry).
func (w *Worker) touchSlot(mutate func(*scm.WorkerSlot)) {
	lock, err := w.scm.SlotLock(w.index)
	if err != nil {
		w.logger.Error("slot lock unavailable", "error", err)
		return
	}
	if err := lock.Lock(); err != nil {
		w.logger.Error("slot lock failed", "error", err)
		return
	}
	defer lock.Unlock()

	slot, err := w.scm.WorkerSlot(w.index)
	if err != nil {
		w.logger.Error("slot read failed", "error", err)
		return
	}
	mutate(&slot)
	if err := w.scm.PutWorkerSlot(w.index, slot); err != nil {
		w.logger.Error("slot write failed", "error", err)
	}
}
