package scm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Opcode is an admin channel command (spec §4.8).
type Opcode int32

const (
	OpBrokerOn Opcode = iota + 1
	OpBrokerOff
	OpSuspend
	OpResume
	OpAdd
	OpDrop
	OpRestart
	OpConfChange
	OpResetLog
)

func (o Opcode) String() string {
	switch o {
	case OpBrokerOn:
		return "broker_on"
	case OpBrokerOff:
		return "broker_off"
	case OpSuspend:
		return "suspend"
	case OpResume:
		return "resume"
	case OpAdd:
		return "add"
	case OpDrop:
		return "drop"
	case OpRestart:
		return "restart"
	case OpConfChange:
		return "conf_change"
	case OpResetLog:
		return "reset_log"
	default:
		return "unknown"
	}
}

// MailboxEntry is one admin command/response record (spec §4.8). GlobalMailboxIndex
// selects the broker-wide mailbox slot; indices [0, maxWorkers) address
// per-worker mailboxes (e.g. targeted restart).
type MailboxEntry struct {
	Opcode   Opcode
	Arg      string
	Seq      int64
	RespCode int32
	RespSeq  int64
	Pending  bool
}

// GlobalMailboxIndex returns the index of the broker-wide mailbox slot.
func (s *SCM) GlobalMailboxIndex() int { return s.maxWorkers }

func (s *SCM) mailboxSlotOffset(i int) (int, error) {
	if i < 0 || i >= mailboxCount(s.maxWorkers) {
		return 0, fmt.Errorf("mailbox index %d out of range [0,%d)", i, mailboxCount(s.maxWorkers))
	}
	return mailboxOffset(s.maxWorkers, s.queueMax) + i*mailboxEntrySize, nil
}

// NextAdminSeq atomically allocates the next monotonically increasing
// admin sequence number (spec §4.8). seqMu serializes same-process
// callers; the header's own fcntl byte-range lock serializes callers in
// different processes (e.g. two concurrent admin-tool invocations).
func (s *SCM) NextAdminSeq() (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	fd := int(s.file.Fd())
	if err := fcntlLock(fd, unix.F_SETLKW, 0, unix.F_WRLCK); err != nil {
		return 0, err
	}
	defer fcntlLock(fd, unix.F_SETLK, 0, unix.F_UNLCK)

	seq := int64(binary.LittleEndian.Uint64(s.data[offNextAdminSeq:]))
	binary.LittleEndian.PutUint64(s.data[offNextAdminSeq:], uint64(seq+1))
	return seq, nil
}

// PostCommand writes a new command into mailbox slot i with a freshly
// allocated sequence number.
func (s *SCM) PostCommand(i int, opcode Opcode, arg string) (int64, error) {
	off, err := s.mailboxSlotOffset(i)
	if err != nil {
		return 0, err
	}
	seq, err := s.NextAdminSeq()
	if err != nil {
		return 0, err
	}
	b := s.data[off : off+mailboxEntrySize]
	binary.LittleEndian.PutUint32(b[mbOffOpcode:], uint32(opcode))
	argField := b[mbOffArg : mbOffArg+mailboxArgBytes]
	clear(argField)
	copy(argField, arg)
	binary.LittleEndian.PutUint64(b[mbOffSeq:], uint64(seq))
	b[mbOffPending] = 1
	return seq, nil
}

// ReadMailbox returns the current contents of mailbox slot i.
func (s *SCM) ReadMailbox(i int) (MailboxEntry, error) {
	off, err := s.mailboxSlotOffset(i)
	if err != nil {
		return MailboxEntry{}, err
	}
	b := s.data[off : off+mailboxEntrySize]

	argField := b[mbOffArg : mbOffArg+mailboxArgBytes]
	n := 0
	for n < len(argField) && argField[n] != 0 {
		n++
	}

	return MailboxEntry{
		Opcode:   Opcode(int32(binary.LittleEndian.Uint32(b[mbOffOpcode:]))),
		Arg:      string(argField[:n]),
		Seq:      int64(binary.LittleEndian.Uint64(b[mbOffSeq:])),
		RespCode: int32(binary.LittleEndian.Uint32(b[mbOffRespCode:])),
		RespSeq:  int64(binary.LittleEndian.Uint64(b[mbOffRespSeq:])),
		Pending:  b[mbOffPending] != 0,
	}, nil
}

// PostResponse writes the dispatcher's response for a processed command,
// correlated by sequence number, and clears Pending.
func (s *SCM) PostResponse(i int, seq int64, respCode int32) error {
	off, err := s.mailboxSlotOffset(i)
	if err != nil {
		return err
	}
	b := s.data[off : off+mailboxEntrySize]
	binary.LittleEndian.PutUint32(b[mbOffRespCode:], uint32(respCode))
	binary.LittleEndian.PutUint64(b[mbOffRespSeq:], uint64(seq))
	b[mbOffPending] = 0
	return nil
}
