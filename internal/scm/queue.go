package scm

import (
	"encoding/binary"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// JobEntry is a pending client connection awaiting a worker (spec §3,
// §4.6). The queue is array-backed and owned exclusively by the
// dispatcher; entries occupy indices [0, count) in arrival order, so
// among entries sharing a priority level, the lowest index is the oldest
// — push order is recoverable directly from position, with no separate
// head/tail cursor needed.
type JobEntry struct {
	ClientFD      int64
	ArrivalTimeMs int64
	SessionIDHint int64
	DriverInfo    [driverInfoBytes]byte
	Priority      int32
}

func (s *SCM) queueCount() int {
	return int(binary.LittleEndian.Uint32(s.data[offQueueCount:]))
}

func (s *SCM) setQueueCount(n int) {
	binary.LittleEndian.PutUint32(s.data[offQueueCount:], uint32(n))
}

func (s *SCM) jobOffset(i int) int {
	return jobQueueOffset(s.maxWorkers) + i*jobEntrySize
}

func (s *SCM) readJob(i int) JobEntry {
	b := s.data[s.jobOffset(i) : s.jobOffset(i)+jobEntrySize]
	var job JobEntry
	job.ClientFD = int64(binary.LittleEndian.Uint64(b[jobOffClientFD:]))
	job.ArrivalTimeMs = int64(binary.LittleEndian.Uint64(b[jobOffArrivalTimeMs:]))
	job.SessionIDHint = int64(binary.LittleEndian.Uint64(b[jobOffSessionHint:]))
	copy(job.DriverInfo[:], b[jobOffDriverInfo:jobOffDriverInfo+driverInfoBytes])
	job.Priority = int32(binary.LittleEndian.Uint32(b[jobOffPriority:]))
	return job
}

func (s *SCM) writeJob(i int, job JobEntry) {
	b := s.data[s.jobOffset(i) : s.jobOffset(i)+jobEntrySize]
	binary.LittleEndian.PutUint64(b[jobOffClientFD:], uint64(job.ClientFD))
	binary.LittleEndian.PutUint64(b[jobOffArrivalTimeMs:], uint64(job.ArrivalTimeMs))
	binary.LittleEndian.PutUint64(b[jobOffSessionHint:], uint64(job.SessionIDHint))
	copy(b[jobOffDriverInfo:jobOffDriverInfo+driverInfoBytes], job.DriverInfo[:])
	binary.LittleEndian.PutUint32(b[jobOffPriority:], uint32(job.Priority))
}

// QueueLength returns the number of queued jobs — safe for a telemetry
// reader to call without the dispatcher's cooperation, per spec §4.1/§4.9.
func (s *SCM) QueueLength() int { return s.queueCount() }

// Push appends job to the tail of the queue. Only the dispatcher calls
// this (spec §5: "Job queue is owned exclusively by the dispatcher").
func (s *SCM) Push(job JobEntry) error {
	count := s.queueCount()
	if count >= s.queueMax {
		return brokererr.New(brokererr.CodeBusy, "job queue full")
	}
	s.writeJob(count, job)
	s.setQueueCount(count + 1)
	return nil
}

// AgeTick increments the priority of every queued job — called once per
// priority_gap interval (spec §4.5 Aging). Priority never decreases
// while a job is queued.
func (s *SCM) AgeTick() {
	count := s.queueCount()
	for i := 0; i < count; i++ {
		job := s.readJob(i)
		job.Priority++
		s.writeJob(i, job)
	}
}

// PopHighestPriority removes and returns the highest-priority job,
// breaking ties by earliest arrival (lowest array index, since entries
// are appended in arrival order). Returns ok=false if the queue is empty.
func (s *SCM) PopHighestPriority() (JobEntry, bool) {
	count := s.queueCount()
	if count == 0 {
		return JobEntry{}, false
	}
	best := 0
	bestJob := s.readJob(0)
	for i := 1; i < count; i++ {
		job := s.readJob(i)
		if job.Priority > bestJob.Priority {
			best, bestJob = i, job
		}
	}
	for i := best; i < count-1; i++ {
		s.writeJob(i, s.readJob(i+1))
	}
	s.setQueueCount(count - 1)
	return bestJob, true
}
