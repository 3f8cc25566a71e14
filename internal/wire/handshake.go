// Package wire implements the client-facing handshake and RPC framing of
// spec §6: the fixed CUBRK handshake, the length-prefixed RPC frame
// format, and the wire encoding of brokererr errors.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/cubrid/gobroker/internal/brokererr"
)

const (
	magic         = "CUBRK"
	magicLen      = 5
	driverInfoLen = 10

	// fixed header through driver_info, before the length-prefixed strings.
	handshakeFixedLen = magicLen + 1 + 1 + 1 + 4 + driverInfoLen
)

// FunctionCode is the handshake's requested operation.
type FunctionCode uint8

const (
	FuncConnect FunctionCode = 1
	FuncPing    FunctionCode = 2
)

// FlagWantsKeepConnection is handshake flags bit 0 (spec §6) — resolves
// the keep_connection=auto Open Question (SPEC_FULL §C.4): auto behaves
// as on when this bit is set, off otherwise.
const FlagWantsKeepConnection uint32 = 1 << 0

// FlagReconnectSession is handshake flags bit 1. Spec §6 documents the
// wire handshake as carrying no explicit session id, yet spec §4.5
// step 1 requires the dispatcher to match a returning client against
// its session-affinity table by session id. This flag resolves that
// gap: when set, the client is asking to rejoin a prior session whose
// id it stashes in the first 8 bytes of driver_info (the remaining 2
// bytes of driver_info stay available for opaque client use).
const FlagReconnectSession uint32 = 1 << 1

// ReconnectSessionID reports the previous session id a client is
// attempting to rejoin, if FlagReconnectSession is set.
func (h Handshake) ReconnectSessionID() (int64, bool) {
	if h.Flags&FlagReconnectSession == 0 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(h.DriverInfo[0:8])), true
}

// SupportedMajorVersion is the highest handshake major version this
// broker accepts; handshakes above it fail with CodeVersion.
const SupportedMajorVersion uint8 = 1

// Handshake is the decoded client header sent on every new connection.
type Handshake struct {
	MajorVersion uint8
	MinorVersion uint8
	Function     FunctionCode
	Flags        uint32
	DriverInfo   [driverInfoLen]byte
	User         string
	Password     string
	Database     string
}

// WantsKeepConnection reports whether the client opted into a held
// connection via the handshake flag bit.
func (h Handshake) WantsKeepConnection() bool {
	return h.Flags&FlagWantsKeepConnection != 0
}

// EncodeHandshake serializes h in the wire format of spec §6. User,
// Password and Database are each written as a 2-byte big-endian length
// prefix followed by their UTF-8 bytes.
func EncodeHandshake(h Handshake) []byte {
	strs := [][]byte{[]byte(h.User), []byte(h.Password), []byte(h.Database)}
	size := handshakeFixedLen
	for _, s := range strs {
		size += 2 + len(s)
	}

	buf := make([]byte, size)
	copy(buf[0:magicLen], magic)
	buf[5] = h.MajorVersion
	buf[6] = h.MinorVersion
	buf[7] = byte(h.Function)
	binary.BigEndian.PutUint32(buf[8:12], h.Flags)
	copy(buf[12:12+driverInfoLen], h.DriverInfo[:])

	off := handshakeFixedLen
	for _, s := range strs {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(s)))
		off += 2
		copy(buf[off:off+len(s)], s)
		off += len(s)
	}
	return buf
}

// DecodeHandshake parses the fixed header plus the three length-prefixed
// strings. Returns a *brokererr.Error with CodeARG on bad magic or a
// truncated/malformed buffer, and CodeVersion if MajorVersion exceeds
// maxMajorVersion.
func DecodeHandshake(b []byte, maxMajorVersion uint8) (Handshake, error) {
	if len(b) < handshakeFixedLen {
		return Handshake{}, brokererr.New(brokererr.CodeARG, "handshake too short: %d bytes", len(b))
	}
	if string(b[0:magicLen]) != magic {
		return Handshake{}, brokererr.New(brokererr.CodeARG, "bad handshake magic")
	}

	h := Handshake{
		MajorVersion: b[5],
		MinorVersion: b[6],
		Function:     FunctionCode(b[7]),
		Flags:        binary.BigEndian.Uint32(b[8:12]),
	}
	copy(h.DriverInfo[:], b[12:12+driverInfoLen])

	if h.MajorVersion > maxMajorVersion {
		return Handshake{}, brokererr.New(brokererr.CodeVersion,
			"unsupported protocol version %d.%d", h.MajorVersion, h.MinorVersion)
	}

	off := handshakeFixedLen
	fields := make([]string, 3)
	for i := range fields {
		if off+2 > len(b) {
			return Handshake{}, brokererr.New(brokererr.CodeARG, "truncated handshake string field %d", i)
		}
		n := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+n > len(b) {
			return Handshake{}, brokererr.New(brokererr.CodeARG, "truncated handshake string field %d", i)
		}
		fields[i] = string(b[off : off+n])
		off += n
	}
	h.User, h.Password, h.Database = fields[0], fields[1], fields[2]
	return h, nil
}

// ReadHandshake incrementally reads one handshake off r: the fixed
// header, then each of the three length-prefixed strings in turn,
// since a raw connection cannot be parsed from a single byte slice the
// way DecodeHandshake can. Validation (magic, version) is identical to
// DecodeHandshake, which this delegates to once the full frame is read.
func ReadHandshake(r io.Reader, maxMajorVersion uint8) (Handshake, error) {
	buf := make([]byte, handshakeFixedLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	for i := 0; i < 3; i++ {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Handshake{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		strBuf := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, strBuf); err != nil {
				return Handshake{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
			}
		}
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, strBuf...)
	}
	return DecodeHandshake(buf, maxMajorVersion)
}

// HandshakeReply is the broker's response to a handshake (spec §6).
type HandshakeReply struct {
	Status     int32 // 0 = ok, negative = brokererr.Code
	SessionID  int64
	WorkerPort uint32
}

const handshakeReplyLen = 4 + 8 + 4

// EncodeHandshakeReply serializes r. Callers sending an error reply
// should leave SessionID/WorkerPort zero.
func EncodeHandshakeReply(r HandshakeReply) []byte {
	buf := make([]byte, handshakeReplyLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.SessionID))
	binary.BigEndian.PutUint32(buf[12:16], r.WorkerPort)
	return buf
}

// DecodeHandshakeReply parses a reply previously produced by
// EncodeHandshakeReply (used by client-side tests and tooling).
func DecodeHandshakeReply(b []byte) (HandshakeReply, error) {
	if len(b) < handshakeReplyLen {
		return HandshakeReply{}, brokererr.New(brokererr.CodeARG, "handshake reply too short: %d bytes", len(b))
	}
	return HandshakeReply{
		Status:     int32(binary.BigEndian.Uint32(b[0:4])),
		SessionID:  int64(binary.BigEndian.Uint64(b[4:12])),
		WorkerPort: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}
