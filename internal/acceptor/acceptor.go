// Package acceptor implements the client-facing TCP listener of spec
// §4.4: accept, read and validate the handshake, consult the ACL, run
// optional shard-key routing, and hand the connection's file descriptor
// off to the dispatcher. Acceptor errors are always local — spec §7's
// propagation policy is "log and close the offending fd; never fatal to
// the broker."
package acceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/cubrid/gobroker/internal/acl"
	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/dispatcher"
	"github.com/cubrid/gobroker/internal/metrics"
	"github.com/cubrid/gobroker/internal/shard"
	"github.com/cubrid/gobroker/internal/wire"
)

// Submitter is the subset of *dispatcher.Dispatcher the acceptor needs;
// an interface keeps acceptor tests from depending on a live SCM.
type Submitter interface {
	Submit(job dispatcher.Job) error
}

// Acceptor owns the broker's client-facing listener.
type Acceptor struct {
	cfg    *config.BrokerConfig
	acl    *acl.Table
	shard  *shard.Router
	disp   Submitter
	logger *slog.Logger

	listener  net.Listener
	requestID atomic.Int32
}

// New binds the listening socket. Go's net package gives no portable
// way to set the TCP listen backlog to queue_max the way a raw
// socket(2)/listen(2) call could; admission control is instead
// enforced where spec §4.5 actually defines it, at the dispatcher's SCM
// job queue, so this does not weaken the documented back-pressure
// behavior.
func New(cfg *config.BrokerConfig, aclTable *acl.Table, shardRouter *shard.Router, disp Submitter, logger *slog.Logger) (*Acceptor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("acceptor: listen on port %d: %w", cfg.Port, err)
	}
	return &Acceptor{cfg: cfg, acl: aclTable, shard: shardRouter, disp: disp, logger: logger, listener: ln}, nil
}

// Addr returns the bound listen address (used by tests to learn the
// effective port when cfg.Port is 0).
func (a *Acceptor) Addr() net.Addr { return a.listener.Addr() }

// Run accepts connections until ctx is cancelled or the listener fails.
func (a *Acceptor) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acceptor: accept: %w", err)
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) handleConn(conn net.Conn) {
	if err := conn.SetDeadline(time.Now().Add(a.cfg.ConnectTimeout())); err != nil {
		conn.Close()
		return
	}

	h, err := wire.ReadHandshake(conn, wire.SupportedMajorVersion)
	if err != nil {
		a.replyError(conn, err)
		conn.Close()
		metrics.RequestsTotal.WithLabelValues("bad_handshake").Inc()
		return
	}

	if h.Function == wire.FuncPing {
		a.writeReply(conn, wire.HandshakeReply{Status: int32(brokererr.OK)})
		conn.Close()
		metrics.RequestsTotal.WithLabelValues("ping").Inc()
		return
	}

	remoteIP := hostIP(conn.RemoteAddr())
	if err := a.acl.Check(h.User, remoteIP); err != nil {
		a.replyError(conn, err)
		conn.Close()
		metrics.RequestsTotal.WithLabelValues("acl_denied").Inc()
		return
	}

	var shardID int32
	if a.shard != nil {
		shardID, err = a.shard.Route(h.Database, h.Database)
		if err != nil {
			a.replyError(conn, err)
			conn.Close()
			metrics.RequestsTotal.WithLabelValues("route_denied").Inc()
			return
		}
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		a.replyError(conn, brokererr.New(brokererr.CodeInternal, "unexpected connection type %T", conn))
		conn.Close()
		return
	}
	file, err := tcpConn.File()
	if err != nil {
		a.replyError(conn, brokererr.Wrap(brokererr.CodeTransportFail, err))
		conn.Close()
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		file.Close()
		conn.Close()
		return
	}

	var sessionHint int64
	if sid, ok := h.ReconnectSessionID(); ok {
		sessionHint = sid
	}

	job := dispatcher.Job{
		File:          file,
		SessionIDHint: sessionHint,
		DriverInfo:    h.DriverInfo,
		RequestID:     a.requestID.Add(1),
		ShardID:       shardID,
	}
	if err := a.disp.Submit(job); err != nil {
		a.replyError(conn, err)
		metrics.RequestsTotal.WithLabelValues("busy").Inc()
		conn.Close()
		return
	}

	// The dispatcher now owns file (a dup of conn's fd); this process's
	// own reference to the original socket is no longer needed. The
	// worker that gets assigned the job writes the handshake reply.
	conn.Close()
	metrics.RequestsTotal.WithLabelValues("dispatched").Inc()
}

func (a *Acceptor) replyError(conn net.Conn, err error) {
	a.writeReply(conn, wire.HandshakeReply{Status: int32(brokererr.AsCode(err))})
	a.logger.Warn("rejected client connection", "error", err, "remote", conn.RemoteAddr())
}

func (a *Acceptor) writeReply(conn net.Conn, reply wire.HandshakeReply) {
	if _, err := conn.Write(wire.EncodeHandshakeReply(reply)); err != nil {
		a.logger.Warn("failed to write handshake reply", "error", err)
	}
}

func hostIP(addr net.Addr) net.IP {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	return tcpAddr.IP
}
