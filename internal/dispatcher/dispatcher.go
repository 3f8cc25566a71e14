// Package dispatcher implements the worker pool and job queue of spec
// §4.5: selection of an idle or newly spawned worker for each accepted
// connection, aging and FIFO draining of jobs that must wait, and
// periodic elasticity (idle-reap, crash-reap) and session-affinity
// cleanup. It is single-threaded by design — every mutation of the
// worker table and job queue happens inside Run's select loop, and
// every other goroutine (acceptor, admin, telemetry) only ever sends on
// a channel, keeping a thread-safe registry and a single coordinating
// goroutine cleanly separated.
package dispatcher

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/config"
	"github.com/cubrid/gobroker/internal/fdpass"
	"github.com/cubrid/gobroker/internal/logging"
	"github.com/cubrid/gobroker/internal/metrics"
	"github.com/cubrid/gobroker/internal/scm"
)

// BrokerState is the admin-channel state machine of spec §4.8:
// off/on/suspended. A suspended or off broker keeps its existing
// workers running but refuses new admission.
type BrokerState int32

const (
	BrokerOn BrokerState = iota
	BrokerOff
	BrokerSuspended
)

func (s BrokerState) String() string {
	switch s {
	case BrokerOn:
		return "ON"
	case BrokerOff:
		return "OFF"
	case BrokerSuspended:
		return "SUSPENDED"
	default:
		return "UNKNOWN"
	}
}

// Spawner starts a new CAS worker process for the given slot index,
// handing it workerEnd as its fd-passing control socket (spec §4.2).
// The dispatcher closes its own reference to workerEnd once Spawn
// returns; the implementation is expected to have already durably
// attached it to the child (e.g. via exec.Cmd.ExtraFiles) by then.
type Spawner interface {
	Spawn(index int, workerEnd *os.File) (pid int, err error)
}

// Job is an accepted client connection awaiting assignment to a worker.
type Job struct {
	File          *os.File
	SessionIDHint int64
	DriverInfo    [10]byte
	RequestID     int32
	ShardID       int32 // set only when shard routing is configured; informational.
}

type affinityEntry struct {
	workerIndex int
	lastTouch   time.Time
}

type workerHandle struct {
	control *net.UnixConn
	pid     int
}

// controlTick is how often the event loop runs elasticity, session
// cleanup and queue draining — independent of priority_gap aging.
const controlTick = 1 * time.Second

// pollInterval is how often a sticky-wait or spawn-wait loop re-checks
// worker state while blocked inside the single dispatcher goroutine.
const pollInterval = 5 * time.Millisecond

// jobChannelDepth bounds how many Submit calls can be outstanding before
// the acceptor observes BUSY — independent of the SCM job queue's own
// queue_max, this only bounds the channel hand-off itself.
const jobChannelDepth = 256

// Dispatcher owns the worker table and job queue for one broker.
type Dispatcher struct {
	scm     *scm.SCM
	cfg     *config.BrokerConfig
	spawner Spawner
	logger  *slog.Logger

	jobsCh chan Job

	handles  []*workerHandle
	affinity map[int64]affinityEntry
	pending  map[int64]*os.File

	state atomic.Int32 // BrokerState, mutated only from within Run's admin-command handling.
}

// New builds a Dispatcher. Call Run to start its event loop.
func New(s *scm.SCM, cfg *config.BrokerConfig, spawner Spawner, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		scm:      s,
		cfg:      cfg,
		spawner:  spawner,
		logger:   logger,
		jobsCh:   make(chan Job, jobChannelDepth),
		handles:  make([]*workerHandle, s.MaxWorkers()),
		affinity: make(map[int64]affinityEntry),
		pending:  make(map[int64]*os.File),
	}
	d.state.Store(int32(BrokerOn))
	return d
}

// State reports the current admin-channel broker state.
func (d *Dispatcher) State() BrokerState {
	return BrokerState(d.state.Load())
}

// Submit hands an accepted connection to the dispatcher. Non-blocking:
// if the broker is off/suspended or the hand-off channel itself is
// full, the file is closed and a BUSY error is returned immediately
// (spec §4.4 back-pressure).
func (d *Dispatcher) Submit(job Job) error {
	if d.State() != BrokerOn {
		job.File.Close()
		return brokererr.New(brokererr.CodeBusy, "broker is %s", d.State())
	}
	select {
	case d.jobsCh <- job:
		return nil
	default:
		job.File.Close()
		return brokererr.New(brokererr.CodeBusy, "dispatcher is not accepting new jobs")
	}
}

// Run is the dispatcher's single event loop. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.ensureMinWorkers(ctx); err != nil {
		return err
	}

	agingGap := d.cfg.PriorityGap()
	if agingGap <= 0 {
		agingGap = time.Second
	}
	agingTicker := time.NewTicker(agingGap)
	defer agingTicker.Stop()

	controlTicker := time.NewTicker(controlTick)
	defer controlTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-d.jobsCh:
			start := time.Now()
			d.handleJob(ctx, job)
			metrics.DispatchDuration.Observe(time.Since(start).Seconds())
		case <-agingTicker.C:
			d.scm.AgeTick()
		case <-controlTicker.C:
			// spec §4.8: "the dispatcher observes new sequence numbers once
			// per control tick and acts." Admin state changes (on/off/
			// suspend/resume/conf_change) take effect before this tick's
			// selection/elasticity work sees them.
			d.processAdminCommands(ctx)
			// Kill-before-expire (resolves the time_to_kill/session_timeout
			// race, SPEC_FULL §C.5): the idle-reap sweep always runs before
			// the session-cleanup sweep within one tick.
			d.reapIdleWorkers()
			d.reapCrashedWorkers(ctx)
			d.cleanupExpiredAffinity()
			d.drainQueue()
			d.updateGauges()
		}
	}
}

// handleJob runs the selection algorithm of spec §4.5 against one job.
func (d *Dispatcher) handleJob(ctx context.Context, job Job) {
	if job.SessionIDHint != 0 {
		if aff, ok := d.affinity[job.SessionIDHint]; ok {
			if d.tryDispatchSticky(ctx, job, aff.workerIndex) {
				return
			}
		}
	}

	if idx, ok := d.pickWarmIdle(); ok {
		d.dispatchTo(job, idx)
		return
	}

	if d.countLive() < d.cfg.MaxWorkers && d.cfg.AutoAddWorkers {
		if idx, ok := d.spawnAndWaitIdle(ctx); ok {
			d.dispatchTo(job, idx)
			return
		}
	}

	if err := d.enqueue(job); err != nil {
		d.logger.Warn("job queue full, rejecting with BUSY")
		job.File.Close()
		metrics.RequestsTotal.WithLabelValues("busy").Inc()
	}
}

// tryDispatchSticky waits up to sticky_timeout_ms for worker idx to
// become IDLE (spec §4.5 step 1: "wait up to sticky_timeout_ms").
func (d *Dispatcher) tryDispatchSticky(ctx context.Context, job Job, idx int) bool {
	if idx < 0 || idx >= len(d.handles) || d.handles[idx] == nil {
		return false
	}
	deadline := time.Now().Add(d.cfg.StickyTimeout())
	for {
		ok, err := d.scm.CASWorkerState(idx, scm.StateIdle, scm.StateBusy)
		if err == nil && ok {
			d.dispatchTo(job, idx)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// pickWarmIdle scans spawned workers for any IDLE one, preferring the
// oldest last_access_time (spec §4.5 step 2), and claims it with a CAS.
func (d *Dispatcher) pickWarmIdle() (int, bool) {
	type candidate struct {
		idx  int
		last int64
	}
	var candidates []candidate
	for i, h := range d.handles {
		if h == nil {
			continue
		}
		slot, err := d.scm.WorkerSlot(i)
		if err != nil || slot.State != scm.StateIdle {
			continue
		}
		candidates = append(candidates, candidate{i, slot.LastAccessUnix})
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].last < candidates[b].last })

	for _, c := range candidates {
		if ok, err := d.scm.CASWorkerState(c.idx, scm.StateIdle, scm.StateBusy); err == nil && ok {
			return c.idx, true
		}
	}
	return 0, false
}

// dispatchTo hands job's fd to worker idx over its control socket and
// binds the session, if any.
func (d *Dispatcher) dispatchTo(job Job, idx int) {
	h := d.handles[idx]
	sb := fdpass.Sideband{RequestID: job.RequestID, DriverInfo: job.DriverInfo}
	if err := fdpass.Send(h.control, job.File.Fd(), sb); err != nil {
		d.logger.Error("fd handoff to worker failed, reaping", "worker", idx, "error", err)
		job.File.Close()
		d.markTerminated(idx)
		return
	}
	job.File.Close()

	if lock, err := d.scm.SlotLock(idx); err == nil {
		if err := lock.Lock(); err == nil {
			slot, err := d.scm.WorkerSlot(idx)
			if err == nil {
				slot.SessionID = job.SessionIDHint
				slot.LastAccessUnix = time.Now().Unix()
				_ = d.scm.PutWorkerSlot(idx, slot)
			}
			lock.Unlock()
		}
	}

	if job.SessionIDHint != 0 {
		d.affinity[job.SessionIDHint] = affinityEntry{workerIndex: idx, lastTouch: time.Now()}
	}
}

// enqueue places job in the SCM job queue, keeping the live *os.File
// around (keyed by fd) until it is later drained to a freed worker.
func (d *Dispatcher) enqueue(job Job) error {
	entry := scm.JobEntry{
		ClientFD:      int64(job.File.Fd()),
		ArrivalTimeMs: time.Now().UnixMilli(),
		SessionIDHint: job.SessionIDHint,
		DriverInfo:    job.DriverInfo,
	}
	if err := d.scm.Push(entry); err != nil {
		return err
	}
	d.pending[entry.ClientFD] = job.File
	metrics.QueuedJobs.Set(float64(d.scm.QueueLength()))
	return nil
}

// drainQueue assigns queued jobs to any workers freed up this tick.
func (d *Dispatcher) drainQueue() {
	for {
		idx, ok := d.pickWarmIdle()
		if !ok {
			return
		}
		entry, ok := d.scm.PopHighestPriority()
		if !ok {
			// No job waiting after all; release the claim just taken.
			_, _ = d.scm.CASWorkerState(idx, scm.StateBusy, scm.StateIdle)
			return
		}
		file, ok := d.pending[entry.ClientFD]
		if !ok {
			// No local record of this client; release the worker claimed
			// for it rather than stranding it BUSY forever.
			_, _ = d.scm.CASWorkerState(idx, scm.StateBusy, scm.StateIdle)
			continue
		}
		delete(d.pending, entry.ClientFD)
		d.dispatchTo(Job{
			File:          file,
			SessionIDHint: entry.SessionIDHint,
			DriverInfo:    entry.DriverInfo,
		}, idx)
	}
}

// ensureMinWorkers spawns workers at startup until min_workers are live.
func (d *Dispatcher) ensureMinWorkers(ctx context.Context) error {
	for d.countLive() < d.cfg.MinWorkers {
		idx, ok := d.spawnAndWaitIdle(ctx)
		if !ok {
			return brokererr.New(brokererr.CodeInternal, "failed to reach min_workers at startup")
		}
		// The worker was claimed IDLE->BUSY as part of spawnAndWaitIdle's
		// announcement check; release it back to IDLE since there is no
		// job for it yet.
		_, _ = d.scm.CASWorkerState(idx, scm.StateBusy, scm.StateIdle)
	}
	return nil
}

// spawnAndWaitIdle spawns a worker in the first free slot and blocks
// until it announces IDLE by writing its own slot (spec §4.2 step 0),
// claiming it atomically in the same CAS so no other goroutine can
// grab it first. Returns ok=false if no slot is free, spawning fails,
// or the worker never announces within connect_timeout.
func (d *Dispatcher) spawnAndWaitIdle(ctx context.Context) (int, bool) {
	idx, ok := d.freeSlot()
	if !ok {
		return 0, false
	}

	masterEnd, workerEnd, err := fdpass.NewPair()
	if err != nil {
		d.logger.Error("create worker control socket failed", "error", err)
		return 0, false
	}
	pid, err := d.spawner.Spawn(idx, workerEnd)
	workerEnd.Close()
	if err != nil {
		masterEnd.Close()
		d.logger.Error("spawn worker failed", "slot", idx, "error", err)
		return 0, false
	}
	d.handles[idx] = &workerHandle{control: masterEnd, pid: pid}
	metrics.WorkerRespawns.Inc()

	deadline := time.Now().Add(d.cfg.ConnectTimeout())
	for {
		slot, err := d.scm.WorkerSlot(idx)
		if err == nil && slot.State == scm.StateIdle && slot.PID == int32(pid) {
			if ok, err := d.scm.CASWorkerState(idx, scm.StateIdle, scm.StateBusy); err == nil && ok {
				return idx, true
			}
		}
		if time.Now().After(deadline) {
			d.logger.Warn("worker did not announce IDLE before connect_timeout", "slot", idx, "pid", pid)
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(pollInterval):
		}
	}
}

func (d *Dispatcher) freeSlot() (int, bool) {
	for i, h := range d.handles {
		if h == nil {
			return i, true
		}
	}
	return 0, false
}

func (d *Dispatcher) countLive() int {
	n := 0
	for _, h := range d.handles {
		if h != nil {
			n++
		}
	}
	return n
}

// reapIdleWorkers implements spec §4.5's elasticity idle-reap: workers
// idle longer than time_to_kill are signalled and reaped, never below
// min_workers.
func (d *Dispatcher) reapIdleWorkers() {
	live := d.countLive()
	if live <= d.cfg.MinWorkers {
		return
	}
	now := time.Now().Unix()
	ttk := int64(d.cfg.TimeToKillSec)
	for i, h := range d.handles {
		if live <= d.cfg.MinWorkers {
			return
		}
		if h == nil {
			continue
		}
		slot, err := d.scm.WorkerSlot(i)
		if err != nil || slot.State != scm.StateIdle {
			continue
		}
		if now-slot.LastAccessUnix < ttk {
			continue
		}
		d.terminateWorker(i)
		live--
	}
}

// reapCrashedWorkers detects workers whose process has died or whose
// slot reads TERMINATED, reaps them, and replaces them up to
// min_workers (spec §4.5 elasticity).
func (d *Dispatcher) reapCrashedWorkers(ctx context.Context) {
	for i, h := range d.handles {
		if h == nil {
			continue
		}
		slot, err := d.scm.WorkerSlot(i)
		crashed := err != nil || slot.State == scm.StateTerminated || !processAlive(h.pid)
		if !crashed {
			continue
		}
		d.markTerminated(i)
		if d.countLive() < d.cfg.MinWorkers {
			if idx, ok := d.spawnAndWaitIdle(ctx); ok {
				_, _ = d.scm.CASWorkerState(idx, scm.StateBusy, scm.StateIdle)
			}
		}
	}
}

func (d *Dispatcher) terminateWorker(i int) {
	h := d.handles[i]
	if h == nil {
		return
	}
	_ = unix.Kill(h.pid, unix.SIGTERM)
	d.markTerminated(i)
}

func (d *Dispatcher) markTerminated(i int) {
	h := d.handles[i]
	if h == nil {
		return
	}
	h.control.Close()
	d.handles[i] = nil
	_ = d.scm.PutWorkerSlot(i, scm.WorkerSlot{State: scm.StateTerminated})
	for sid, aff := range d.affinity {
		if aff.workerIndex == i {
			delete(d.affinity, sid)
		}
	}
}

// cleanupExpiredAffinity drops affinity entries untouched for longer
// than session_timeout, and any entry whose worker was already reaped
// this tick (spec §3 session affinity lifecycle).
func (d *Dispatcher) cleanupExpiredAffinity() {
	cutoff := time.Now().Add(-d.cfg.SessionTimeout())
	for sid, aff := range d.affinity {
		if aff.lastTouch.Before(cutoff) {
			delete(d.affinity, sid)
			continue
		}
		if d.handles[aff.workerIndex] == nil {
			delete(d.affinity, sid)
		}
	}
}

func (d *Dispatcher) updateGauges() {
	active, busy := 0, 0
	for i, h := range d.handles {
		if h == nil {
			continue
		}
		active++
		if slot, err := d.scm.WorkerSlot(i); err == nil && slot.State == scm.StateBusy {
			busy++
		}
	}
	metrics.ActiveWorkers.Set(float64(active))
	metrics.BusyWorkers.Set(float64(busy))
	metrics.QueuedJobs.Set(float64(d.scm.QueueLength()))
}

// processAdminCommands scans the global mailbox plus every per-worker
// mailbox for a Pending command and acts on it (spec §4.8). It runs once
// per controlTick from within Run's single goroutine, so no locking
// beyond the SCM's own is needed against the rest of the dispatcher's
// state.
func (d *Dispatcher) processAdminCommands(ctx context.Context) {
	d.processMailbox(ctx, d.scm.GlobalMailboxIndex(), -1)
	for i := 0; i < d.scm.MaxWorkers(); i++ {
		d.processMailbox(ctx, i, i)
	}
}

// processMailbox handles one Pending entry in mailbox slot mbIndex.
// workerIdx is the target worker slot for per-worker-scoped opcodes
// (OpRestart), or -1 for the global mailbox.
func (d *Dispatcher) processMailbox(ctx context.Context, mbIndex int, workerIdx int) {
	entry, err := d.scm.ReadMailbox(mbIndex)
	if err != nil || !entry.Pending {
		return
	}

	respCode := int32(brokererr.OK)
	switch entry.Opcode {
	case scm.OpBrokerOn:
		d.state.Store(int32(BrokerOn))
	case scm.OpBrokerOff:
		d.state.Store(int32(BrokerOff))
	case scm.OpSuspend:
		d.state.Store(int32(BrokerSuspended))
	case scm.OpResume:
		d.state.Store(int32(BrokerOn))
	case scm.OpAdd:
		n, perr := strconv.Atoi(strings.TrimSpace(entry.Arg))
		if perr != nil {
			respCode = int32(brokererr.CodeARG)
			break
		}
		d.cfg.MaxWorkers += n
	case scm.OpDrop:
		n, perr := strconv.Atoi(strings.TrimSpace(entry.Arg))
		if perr != nil {
			respCode = int32(brokererr.CodeARG)
			break
		}
		d.cfg.MaxWorkers -= n
		if d.cfg.MaxWorkers < d.cfg.MinWorkers {
			d.cfg.MaxWorkers = d.cfg.MinWorkers
		}
	case scm.OpRestart:
		target := workerIdx
		if target < 0 {
			idx, perr := strconv.Atoi(strings.TrimSpace(entry.Arg))
			if perr != nil {
				respCode = int32(brokererr.CodeARG)
				break
			}
			target = idx
		}
		if target < 0 || target >= len(d.handles) || d.handles[target] == nil {
			respCode = int32(brokererr.CodeARG)
			break
		}
		d.terminateWorker(target)
		if idx, ok := d.spawnAndWaitIdle(ctx); ok {
			_, _ = d.scm.CASWorkerState(idx, scm.StateBusy, scm.StateIdle)
		} else {
			respCode = int32(brokererr.CodeInternal)
		}
	case scm.OpConfChange:
		fields := strings.Fields(entry.Arg)
		if len(fields) != 2 {
			respCode = int32(brokererr.CodeARG)
			break
		}
		key, value := fields[0], fields[1]
		switch key {
		case "log_level":
			lvl, perr := logging.ParseLevel(value)
			if perr != nil {
				respCode = int32(brokererr.CodeARG)
				break
			}
			logging.SetLevel(lvl)
		default:
			respCode = int32(brokererr.CodeARG)
		}
	case scm.OpResetLog:
		if workerIdx >= 0 {
			// The log file belongs to the worker process, not the
			// dispatcher; leave Pending set so the worker's own mailbox
			// poll picks it up and posts its own response.
			return
		}
		// reset_log posted to the global mailbox has no per-worker
		// target to forward to; admin.handleCommand posts to exactly one
		// mailbox slot, so a global reset_log is rejected with ARG and
		// resets nothing. Callers must target a specific worker.
		respCode = int32(brokererr.CodeARG)
	default:
		respCode = int32(brokererr.CodeARG)
	}

	if err := d.scm.PostResponse(mbIndex, entry.Seq, respCode); err != nil {
		d.logger.Warn("failed to post admin response", "mailbox", mbIndex, "error", err)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
