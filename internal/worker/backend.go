package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cubrid/gobroker/internal/wire"
)

// Backend is the opaque per-database server connection a CAS worker
// proxies RPCs to. CUBRID's own wire protocol between CAS and the
// database server is out of scope here; this interface lets the worker
// loop stay decoupled from any one backend transport so a real driver
// can be dropped in without touching dispatch or session bookkeeping.
type Backend interface {
	Execute(ctx context.Context, f wire.Frame) (wire.Frame, error)
	Close() error
}

// BackendDialer opens one new Backend connection. Implementations
// should fail fast on unreachable hosts; retry policy lives in
// dialWithBackoff, not here.
type BackendDialer func(ctx context.Context) (Backend, error)

// newDefaultBackoff builds the reconnect schedule: 1s initial interval,
// doubling up to 60s, with 20% jitter.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// dialWithBackoff calls dial until it succeeds or ctx is cancelled,
// sleeping on an exponential schedule between attempts. A backend that
// is briefly unreachable at worker init should not be fatal the way a
// lost control socket is (spec §4.2 step 0: "open connection to backend
// DB" runs once at start-up, before the worker can serve anything).
func dialWithBackoff(ctx context.Context, dial BackendDialer) (Backend, error) {
	bo := newDefaultBackoff()
	for {
		b, err := dial(ctx)
		if err == nil {
			return b, nil
		}
		interval := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
