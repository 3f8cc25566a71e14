// Package health aggregates worker-pool telemetry for spec §4.9: a
// periodic requests-per-second sample plus an on-demand snapshot of the
// full worker table, both read directly from the SCM shared memory so
// this can run from any process that holds an SCM handle.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cubrid/gobroker/internal/metrics"
	"github.com/cubrid/gobroker/internal/scm"
)

// Snapshot is a point-in-time view of the broker's worker table, used by
// the admin status/getid read path and the websocket telemetry feed
// (SPEC_FULL §C.2).
type Snapshot struct {
	Timestamp         int64          `json:"timestamp"`
	BrokerState       string         `json:"broker_state"`
	ActiveWorkers     int            `json:"active_workers"`
	BusyWorkers       int            `json:"busy_workers"`
	QueuedJobs        int            `json:"queued_jobs"`
	RequestsPerSecond float64        `json:"requests_per_second"`
	Workers           []WorkerStatus `json:"workers"`
}

// WorkerStatus mirrors the fields of scm.WorkerSlot an operator cares
// about, minus process-internal bookkeeping.
type WorkerStatus struct {
	Index          int    `json:"index"`
	PID            int32  `json:"pid"`
	State          string `json:"state"`
	SessionID      int64  `json:"session_id"`
	NumRequests    int64  `json:"num_requests"`
	NumErrors      int64  `json:"num_errors"`
	NumQueries     int64  `json:"num_queries"`
	LastAccessUnix int64  `json:"last_access_unix"`
	LogMsg         string `json:"log_msg,omitempty"`
}

// Sampler maintains an exponentially weighted moving average of
// requests/sec, derived from the delta of each worker slot's cumulative
// num_requests counter between ticks. Dispatcher already owns
// ActiveWorkers/BusyWorkers/QueuedJobs (updateGauges runs every
// controlTick in the same process); Sampler only owns
// RequestsPerSecond, a metric nothing else computes.
type Sampler struct {
	scm      *scm.SCM
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	lastTotal int64
	lastTime  time.Time
	ewma      float64
}

// NewSampler builds a Sampler. interval is how often the EWMA updates;
// spec §4.9 doesn't name a cadence so this defaults to the caller's
// controlTick-scale choice (cmd/broker uses 5s).
func NewSampler(s *scm.SCM, interval time.Duration, logger *slog.Logger) *Sampler {
	return &Sampler{scm: s, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled, updating metrics.RequestsPerSecond
// on every tick after the first (the first tick only establishes the
// baseline total).
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	total := s.sumRequests()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastTime.IsZero() {
		elapsed := now.Sub(s.lastTime).Seconds()
		if elapsed > 0 {
			rate := float64(total-s.lastTotal) / elapsed
			// alpha for a ~4-sample smoothing window.
			const alpha = 2.0 / 5.0
			if s.lastTotal == 0 {
				s.ewma = rate
			} else {
				s.ewma = alpha*rate + (1-alpha)*s.ewma
			}
			metrics.RequestsPerSecond.Set(s.ewma)
		}
	}
	s.lastTotal = total
	s.lastTime = now
}

func (s *Sampler) sumRequests() int64 {
	var total int64
	for i := 0; i < s.scm.MaxWorkers(); i++ {
		slot, err := s.scm.WorkerSlot(i)
		if err != nil {
			continue
		}
		total += slot.NumRequests
	}
	return total
}

// Snapshot captures the current worker table. brokerState is supplied by
// the caller (the dispatcher owns that state, not the SCM).
func (s *Sampler) Snapshot(brokerState string) Snapshot {
	snap := Snapshot{Timestamp: time.Now().Unix(), BrokerState: brokerState}

	s.mu.Lock()
	snap.RequestsPerSecond = s.ewma
	s.mu.Unlock()

	for i := 0; i < s.scm.MaxWorkers(); i++ {
		slot, err := s.scm.WorkerSlot(i)
		if err != nil || slot.State == scm.StateTerminated {
			continue
		}
		snap.ActiveWorkers++
		if slot.State == scm.StateBusy {
			snap.BusyWorkers++
		}
		snap.Workers = append(snap.Workers, WorkerStatus{
			Index:          i,
			PID:            slot.PID,
			State:          slot.State.String(),
			SessionID:      slot.SessionID,
			NumRequests:    slot.NumRequests,
			NumErrors:      slot.NumErrors,
			NumQueries:     slot.NumQueries,
			LastAccessUnix: slot.LastAccessUnix,
			LogMsg:         slot.LogMsg,
		})
	}
	snap.QueuedJobs = s.scm.QueueLength()
	return snap
}
