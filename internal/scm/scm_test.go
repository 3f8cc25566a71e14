package scm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/scm"
)

func newSCM(t *testing.T, maxWorkers, queueMax int) *scm.SCM {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.scm")
	s, err := scm.Create(path, maxWorkers, queueMax, []byte(`{"name":"broker1"}`))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		_ = s.Remove()
	})
	return s
}

func TestCreate_RejectsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.scm")
	s1, err := scm.Create(path, 4, 16, nil)
	require.NoError(t, err)
	defer s1.Close()

	_, err = scm.Create(path, 4, 16, nil)
	assert.Error(t, err)
}

func TestAttach_MissingIsUnavailable(t *testing.T) {
	_, err := scm.Attach(filepath.Join(t.TempDir(), "missing.scm"), scm.RoleWorker)
	assert.Error(t, err)
}

func TestAttach_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.scm")
	s1, err := scm.Create(path, 4, 16, []byte("config-snapshot"))
	require.NoError(t, err)
	defer func() {
		s1.Close()
		s1.Remove()
	}()

	s2, err := scm.Attach(path, scm.RoleWorker)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 4, s2.MaxWorkers())
	assert.Equal(t, 16, s2.QueueMax())
	assert.Equal(t, []byte("config-snapshot"), s2.ConfigSnapshot())
	assert.Equal(t, s1.CreatedPID(), s2.CreatedPID())
}

func TestWorkerSlot_RoundTrip(t *testing.T) {
	s := newSCM(t, 2, 8)

	in := scm.WorkerSlot{
		PID:             4242,
		State:           scm.StateIdle,
		SessionID:       0,
		LastAccessUnix:  1000,
		NumRequests:     3,
		CASClientType:   1,
		ProtocolVersion: 2,
		LogMsg:          "select 1",
	}
	require.NoError(t, s.PutWorkerSlot(0, in))

	out, err := s.WorkerSlot(0)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWorkerSlot_OutOfRange(t *testing.T) {
	s := newSCM(t, 2, 8)
	_, err := s.WorkerSlot(2)
	assert.Error(t, err)
}

func TestCASWorkerState_OnlyFromExpected(t *testing.T) {
	s := newSCM(t, 1, 4)
	require.NoError(t, s.PutWorkerSlot(0, scm.WorkerSlot{State: scm.StateIdle}))

	ok, err := s.CASWorkerState(0, scm.StateIdle, scm.StateBusy)
	require.NoError(t, err)
	assert.True(t, ok, "IDLE->BUSY claim should succeed")

	ok, err = s.CASWorkerState(0, scm.StateIdle, scm.StateBusy)
	require.NoError(t, err)
	assert.False(t, ok, "a worker already BUSY cannot be claimed again")

	slot, err := s.WorkerSlot(0)
	require.NoError(t, err)
	assert.Equal(t, scm.StateBusy, slot.State)
}

func TestSlotLock_MutualExclusionWithinProcess(t *testing.T) {
	s := newSCM(t, 1, 4)
	lock, err := s.SlotLock(0)
	require.NoError(t, err)

	require.NoError(t, lock.Lock())
	defer lock.Unlock()

	other, err := s.SlotLock(0)
	require.NoError(t, err)
	ok, err := other.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "a second goroutine must not acquire an already-held slot lock")
}

func TestQueue_PushPopFIFOWithinPriority(t *testing.T) {
	s := newSCM(t, 1, 4)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Push(scm.JobEntry{ClientFD: int64(i), ArrivalTimeMs: int64(i)}))
	}
	assert.Equal(t, 3, s.QueueLength())

	job, ok := s.PopHighestPriority()
	require.True(t, ok)
	assert.Equal(t, int64(0), job.ClientFD, "equal priority must pop in push order")

	job, ok = s.PopHighestPriority()
	require.True(t, ok)
	assert.Equal(t, int64(1), job.ClientFD)
}

func TestQueue_FullRejectsWithBusy(t *testing.T) {
	s := newSCM(t, 1, 2)
	require.NoError(t, s.Push(scm.JobEntry{}))
	require.NoError(t, s.Push(scm.JobEntry{}))

	err := s.Push(scm.JobEntry{})
	assert.Error(t, err)
}

func TestQueue_AgingIsMonotoneAndKeepsFIFOAmongEquals(t *testing.T) {
	s := newSCM(t, 1, 4)
	require.NoError(t, s.Push(scm.JobEntry{ClientFD: 1})) // arrives first, priority 0
	require.NoError(t, s.Push(scm.JobEntry{ClientFD: 2})) // arrives second, priority 0

	s.AgeTick() // both age to 1; FIFO still holds among equals

	job, ok := s.PopHighestPriority()
	require.True(t, ok)
	assert.Equal(t, int64(1), job.ClientFD)
	assert.Equal(t, int32(1), job.Priority)
}

func TestMailbox_PostAndReadRoundTrip(t *testing.T) {
	s := newSCM(t, 2, 4)

	seq, err := s.PostCommand(s.GlobalMailboxIndex(), scm.OpSuspend, "")
	require.NoError(t, err)

	entry, err := s.ReadMailbox(s.GlobalMailboxIndex())
	require.NoError(t, err)
	assert.Equal(t, scm.OpSuspend, entry.Opcode)
	assert.Equal(t, seq, entry.Seq)
	assert.True(t, entry.Pending)

	require.NoError(t, s.PostResponse(s.GlobalMailboxIndex(), seq, 0))
	entry, err = s.ReadMailbox(s.GlobalMailboxIndex())
	require.NoError(t, err)
	assert.False(t, entry.Pending)
	assert.Equal(t, seq, entry.RespSeq)
}

func TestMailbox_SeqIsMonotonicallyIncreasing(t *testing.T) {
	s := newSCM(t, 2, 4)
	var last int64 = -1
	for i := 0; i < 10; i++ {
		seq, err := s.NextAdminSeq()
		require.NoError(t, err)
		assert.Greater(t, seq, last)
		last = seq
	}
}
