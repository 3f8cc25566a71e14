package scm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// Role distinguishes the master's attach mode from a worker's.
type Role int

const (
	RoleMaster Role = iota
	RoleWorker
)

// SCM is an attached handle to the shared control memory region. The
// master creates it; every worker attaches to the same backing file.
type SCM struct {
	file       *os.File
	data       []byte
	maxWorkers int
	queueMax   int
	role       Role

	// inProcMu guards each worker slot against concurrent access from
	// goroutines within this same OS process. fcntl byte-range locks
	// (SlotLock) are associated with the process, not the goroutine or
	// even the file descriptor that set them — two goroutines in the same
	// process never block each other on the same fcntl lock. SlotLock
	// therefore only provides cross-process (master-vs-worker) exclusion;
	// inProcMu provides the intra-process exclusion fcntl can't.
	inProcMu []sync.Mutex

	// seqMu serializes NextAdminSeq callers within this process; the
	// header's fcntl lock serializes across processes.
	seqMu sync.Mutex
}

// Create creates a new SCM file at path sized for maxWorkers/queueMax and
// maps it. Fails with SCM_EXISTS if a region already exists there.
func Create(path string, maxWorkers, queueMax int, configSnapshot []byte) (*SCM, error) {
	if len(configSnapshot) > configMaxBytes {
		return nil, fmt.Errorf("config snapshot too large: %d > %d bytes", len(configSnapshot), configMaxBytes)
	}
	size := totalSize(maxWorkers, queueMax)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, brokererr.New(brokererr.CodeInternal, "SCM_EXISTS: %s", path)
		}
		return nil, err
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("truncate SCM file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mmap SCM file: %w", err)
	}

	s := &SCM{
		file:       f,
		data:       data,
		maxWorkers: maxWorkers,
		queueMax:   queueMax,
		role:       RoleMaster,
		inProcMu:   make([]sync.Mutex, maxWorkers),
	}
	s.writeHeader(maxWorkers, queueMax, configSnapshot)
	return s, nil
}

// Attach opens and maps an existing SCM file created by Create. Fails
// with SCM_UNAVAILABLE if the region does not exist.
func Attach(path string, role Role) (*SCM, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, brokererr.New(brokererr.CodeInternal, "SCM_UNAVAILABLE: %s", path)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, brokererr.New(brokererr.CodeInternal, "SCM_UNAVAILABLE: truncated region %s", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap SCM file: %w", err)
	}

	s := &SCM{file: f, data: data, role: role}
	if err := s.readHeader(); err != nil {
		_ = unix.Munmap(s.data)
		f.Close()
		return nil, err
	}
	s.inProcMu = make([]sync.Mutex, s.maxWorkers)
	return s, nil
}

// Close unmaps and closes the backing file without removing it.
func (s *SCM) Close() error {
	err := unix.Munmap(s.data)
	cerr := s.file.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Remove deletes the backing file. Only the master should call this, and
// only after every worker has detached.
func (s *SCM) Remove() error {
	return os.Remove(s.file.Name())
}

func (s *SCM) MaxWorkers() int { return s.maxWorkers }
func (s *SCM) QueueMax() int   { return s.queueMax }
func (s *SCM) Role() Role      { return s.role }

func (s *SCM) writeHeader(maxWorkers, queueMax int, configSnapshot []byte) {
	binary.LittleEndian.PutUint32(s.data[offMagic:], magicValue)
	binary.LittleEndian.PutUint32(s.data[offVersion:], layoutVersion)
	binary.LittleEndian.PutUint32(s.data[offCreatedPID:], uint32(os.Getpid()))
	binary.LittleEndian.PutUint32(s.data[offMaxWorkers:], uint32(maxWorkers))
	binary.LittleEndian.PutUint32(s.data[offQueueMax:], uint32(queueMax))
	binary.LittleEndian.PutUint32(s.data[offQueueCount:], 0)
	binary.LittleEndian.PutUint64(s.data[offNextAdminSeq:], 1)
	binary.LittleEndian.PutUint32(s.data[offConfigLen:], uint32(len(configSnapshot)))
	copy(s.data[offConfigBytes:offConfigBytes+configMaxBytes], configSnapshot)
}

func (s *SCM) readHeader() error {
	magic := binary.LittleEndian.Uint32(s.data[offMagic:])
	if magic != magicValue {
		return brokererr.New(brokererr.CodeInternal, "SCM_UNAVAILABLE: bad magic")
	}
	version := binary.LittleEndian.Uint32(s.data[offVersion:])
	if version != layoutVersion {
		return brokererr.New(brokererr.CodeInternal, "SCM_UNAVAILABLE: unsupported layout version %d", version)
	}
	s.maxWorkers = int(binary.LittleEndian.Uint32(s.data[offMaxWorkers:]))
	s.queueMax = int(binary.LittleEndian.Uint32(s.data[offQueueMax:]))
	return nil
}

// CreatedPID returns the PID of the process that created this SCM region.
func (s *SCM) CreatedPID() int32 {
	return int32(binary.LittleEndian.Uint32(s.data[offCreatedPID:]))
}

// ConfigSnapshot returns the broker configuration snapshot written at
// creation time (spec §4.1 header field).
func (s *SCM) ConfigSnapshot() []byte {
	n := binary.LittleEndian.Uint32(s.data[offConfigLen:])
	out := make([]byte, n)
	copy(out, s.data[offConfigBytes:offConfigBytes+int(n)])
	return out
}
