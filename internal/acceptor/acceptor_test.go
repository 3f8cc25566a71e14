package acceptor_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/acceptor"
	"github.com/cubrid/gobroker/internal/acl"
	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/dispatcher"
	"github.com/cubrid/gobroker/internal/wire"
)

// fakeSubmitter records every job handed to it and always succeeds
// unless busy is set.
type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []dispatcher.Job
	busy bool
}

func (f *fakeSubmitter) Submit(job dispatcher.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		job.File.Close()
		return brokererr.New(brokererr.CodeBusy, "busy")
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func newTestConfig() *config.BrokerConfig {
	return &config.BrokerConfig{Port: 0, ConnectTimeoutSec: 2}
}

func newAllowAllACL(t *testing.T) *acl.Table {
	t.Helper()
	table, err := acl.NewTable("")
	require.NoError(t, err)
	return table
}

func dialAndHandshake(t *testing.T, addr net.Addr, h wire.Handshake) *wire.HandshakeReply {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wire.EncodeHandshake(h))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	reply, err := wire.DecodeHandshakeReply(buf)
	require.NoError(t, err)
	return &reply
}

func TestAcceptor_DispatchesValidConnect(t *testing.T) {
	sub := &fakeSubmitter{}
	a, err := acceptor.New(newTestConfig(), newAllowAllACL(t), nil, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	h := wire.Handshake{MajorVersion: 1, Function: wire.FuncConnect, User: "dba", Database: "demodb"}
	_, err = conn.Write(wire.EncodeHandshake(h))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)

	sub.mu.Lock()
	for _, job := range sub.jobs {
		job.File.Close()
	}
	sub.mu.Unlock()
}

func TestAcceptor_PingRepliesWithoutDispatch(t *testing.T) {
	sub := &fakeSubmitter{}
	a, err := acceptor.New(newTestConfig(), newAllowAllACL(t), nil, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := dialAndHandshake(t, a.Addr(), wire.Handshake{MajorVersion: 1, Function: wire.FuncPing})
	require.Equal(t, int32(brokererr.OK), reply.Status)
	require.Equal(t, 0, sub.count())
}

func TestAcceptor_RejectsUnsupportedVersionWithoutDispatch(t *testing.T) {
	sub := &fakeSubmitter{}
	a, err := acceptor.New(newTestConfig(), newAllowAllACL(t), nil, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := dialAndHandshake(t, a.Addr(), wire.Handshake{MajorVersion: 99, Function: wire.FuncConnect, User: "dba"})
	require.Equal(t, int32(brokererr.CodeVersion), reply.Status)
	require.Equal(t, 0, sub.count())
}

func TestAcceptor_BusyDispatcherRepliesBusy(t *testing.T) {
	sub := &fakeSubmitter{busy: true}
	a, err := acceptor.New(newTestConfig(), newAllowAllACL(t), nil, sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	reply := dialAndHandshake(t, a.Addr(), wire.Handshake{MajorVersion: 1, Function: wire.FuncConnect, User: "dba", Database: "demodb"})
	require.Equal(t, int32(brokererr.CodeBusy), reply.Status)
}
