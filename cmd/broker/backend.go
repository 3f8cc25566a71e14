package main

import (
	"context"
	"net"

	"github.com/cubrid/gobroker/internal/wire"
	"github.com/cubrid/gobroker/internal/worker"
)

// tcpBackend proxies each RPC frame to a single TCP connection to the
// database server and reads back exactly one reply frame. The wire
// protocol CUBRID's own CAS speaks to its database server is out of
// scope (see internal/worker.Backend's doc comment); this dialer only
// needs to satisfy that interface so a real driver can later replace
// it without touching worker.Run.
type tcpBackend struct {
	conn net.Conn
}

func (b *tcpBackend) Execute(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetDeadline(deadline)
	}
	if err := wire.WriteFrame(b.conn, f); err != nil {
		return wire.Frame{}, err
	}
	return wire.ReadFrame(b.conn)
}

func (b *tcpBackend) Close() error {
	return b.conn.Close()
}

// tcpBackendDialer builds a worker.BackendDialer that opens one TCP
// connection per dial to addr.
func tcpBackendDialer(addr string) worker.BackendDialer {
	return func(ctx context.Context) (worker.Backend, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return &tcpBackend{conn: conn}, nil
	}
}
