package scm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// WorkerState is a CAS worker's lifecycle state (spec §3, §4.2).
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateBusy
	StateCloseWait
	StateTerminated
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateBusy:
		return "BUSY"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// WorkerSlot is a typed, bounds-checked view of one worker table entry.
type WorkerSlot struct {
	PID             int32
	State           WorkerState
	SessionID       int64
	LastAccessUnix  int64
	NumRequests     int64
	NumErrors       int64
	NumQueries      int64
	CASClientType   int32
	ProtocolVersion int32
	LogMsg          string
}

func (s *SCM) slotOffset(i int) (int, error) {
	if i < 0 || i >= s.maxWorkers {
		return 0, fmt.Errorf("worker slot index %d out of range [0,%d)", i, s.maxWorkers)
	}
	return workerTableOffset() + i*workerSlotSize, nil
}

// WorkerSlot returns a snapshot of slot i. Callers that need
// read-modify-write consistency should hold the slot's lock.
func (s *SCM) WorkerSlot(i int) (WorkerSlot, error) {
	off, err := s.slotOffset(i)
	if err != nil {
		return WorkerSlot{}, err
	}
	b := s.data[off : off+workerSlotSize]

	msgBytes := b[slotOffLogMsg : slotOffLogMsg+logMsgBytes]
	n := 0
	for n < len(msgBytes) && msgBytes[n] != 0 {
		n++
	}

	return WorkerSlot{
		PID:             int32(binary.LittleEndian.Uint32(b[slotOffPID:])),
		State:           WorkerState(int32(binary.LittleEndian.Uint32(b[slotOffState:]))),
		SessionID:       int64(binary.LittleEndian.Uint64(b[slotOffSessionID:])),
		LastAccessUnix:  int64(binary.LittleEndian.Uint64(b[slotOffLastAccessUnix:])),
		NumRequests:     int64(binary.LittleEndian.Uint64(b[slotOffNumRequests:])),
		NumErrors:       int64(binary.LittleEndian.Uint64(b[slotOffNumErrors:])),
		NumQueries:      int64(binary.LittleEndian.Uint64(b[slotOffNumQueries:])),
		CASClientType:   int32(binary.LittleEndian.Uint32(b[slotOffCASClientType:])),
		ProtocolVersion: int32(binary.LittleEndian.Uint32(b[slotOffProtocolVersion:])),
		LogMsg:          string(msgBytes[:n]),
	}, nil
}

// PutWorkerSlot overwrites slot i in full. Callers should hold the
// slot's lock for any read-modify-write sequence.
func (s *SCM) PutWorkerSlot(i int, w WorkerSlot) error {
	off, err := s.slotOffset(i)
	if err != nil {
		return err
	}
	b := s.data[off : off+workerSlotSize]

	binary.LittleEndian.PutUint32(b[slotOffPID:], uint32(w.PID))
	binary.LittleEndian.PutUint32(b[slotOffState:], uint32(w.State))
	binary.LittleEndian.PutUint64(b[slotOffSessionID:], uint64(w.SessionID))
	binary.LittleEndian.PutUint64(b[slotOffLastAccessUnix:], uint64(w.LastAccessUnix))
	binary.LittleEndian.PutUint64(b[slotOffNumRequests:], uint64(w.NumRequests))
	binary.LittleEndian.PutUint64(b[slotOffNumErrors:], uint64(w.NumErrors))
	binary.LittleEndian.PutUint64(b[slotOffNumQueries:], uint64(w.NumQueries))
	binary.LittleEndian.PutUint32(b[slotOffCASClientType:], uint32(w.CASClientType))
	binary.LittleEndian.PutUint32(b[slotOffProtocolVersion:], uint32(w.ProtocolVersion))

	msgField := b[slotOffLogMsg : slotOffLogMsg+logMsgBytes]
	clear(msgField)
	copy(msgField, w.LogMsg)
	return nil
}

// CASWorkerState performs the atomic claim required by spec §3: the
// state field only changes from==want to to. It takes the slot's lock
// itself, so callers must not already hold it.
func (s *SCM) CASWorkerState(i int, from, to WorkerState) (bool, error) {
	off, err := s.slotOffset(i)
	if err != nil {
		return false, err
	}
	lock, err := s.SlotLock(i)
	if err != nil {
		return false, err
	}
	if err := lock.Lock(); err != nil {
		return false, err
	}
	defer lock.Unlock()
	stateOff := off + slotOffState
	cur := WorkerState(int32(binary.LittleEndian.Uint32(s.data[stateOff:])))
	if cur != from {
		return false, nil
	}
	binary.LittleEndian.PutUint32(s.data[stateOff:], uint32(to))
	return true, nil
}

// SlotLock is a per-worker-slot mutual exclusion primitive backed by an
// fcntl byte-range lock on the SCM file. Because the kernel releases
// fcntl locks automatically when the holding process dies or closes its
// last fd to the file, a lock left behind by a crashed worker is
// released for the next acquirer without any explicit recovery protocol
// — this is the "robust mutex" spec §4.1 requires.
type SlotLock struct {
	fd     int
	offset int64
	scm    *SCM
	index  int
}

// SlotLock returns the lock guarding worker slot i.
func (s *SCM) SlotLock(i int) (*SlotLock, error) {
	off, err := s.slotOffset(i)
	if err != nil {
		return nil, err
	}
	return &SlotLock{fd: int(s.file.Fd()), offset: int64(off), scm: s, index: i}, nil
}

// Lock acquires both the in-process mutex and the cross-process fcntl
// lock, blocking until both are held.
func (l *SlotLock) Lock() error {
	l.scm.inProcMu[l.index].Lock()
	if err := fcntlLock(l.fd, unix.F_SETLKW, l.offset, unix.F_WRLCK); err != nil {
		l.scm.inProcMu[l.index].Unlock()
		return err
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking.
func (l *SlotLock) TryLock() (bool, error) {
	if !l.scm.inProcMu[l.index].TryLock() {
		return false, nil
	}
	err := fcntlLock(l.fd, unix.F_SETLK, l.offset, unix.F_WRLCK)
	if err != nil {
		l.scm.inProcMu[l.index].Unlock()
		if err == unix.EAGAIN || err == unix.EACCES {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Unlock releases both the fcntl lock and the in-process mutex.
func (l *SlotLock) Unlock() error {
	err := fcntlLock(l.fd, unix.F_SETLK, l.offset, unix.F_UNLCK)
	l.scm.inProcMu[l.index].Unlock()
	return err
}

func fcntlLock(fd int, cmd int, offset int64, lockType int16) error {
	return unix.FcntlFlock(uintptr(fd), cmd, &unix.Flock_t{
		Type:   lockType,
		Whence: 0,
		Start:  offset,
		Len:    1,
	})
}
