package wire

import (
	"encoding/binary"
	"io"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// Opcode identifies the CAS RPC operation carried by a Frame (spec §6).
type Opcode uint8

const (
	// OpError marks a frame whose payload is an EncodeError message
	// rather than an RPC result (spec §7: "every error the client sees
	// is a negative code and a UTF-8 message body"). Opcode values for
	// real CAS functions start at 1, leaving 0 free for this sentinel.
	OpError Opcode = 0

	OpPrepare      Opcode = 1
	OpExecute      Opcode = 2
	OpFetch        Opcode = 3
	OpCursorClose  Opcode = 4
	OpEndTran      Opcode = 5
	OpGetDBVersion Opcode = 6
	OpSchemaInfo   Opcode = 7
	OpCheckCAS     Opcode = 8
)

const maxFrameLength = 64 * 1024 * 1024

// Frame is one RPC request or response: `{ u32 length_be, u8 opcode,
// payload[length-1] }` per spec §6, where length counts the opcode byte
// plus the payload.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// EncodeFrame serializes f into a single wire buffer.
func EncodeFrame(f Frame) []byte {
	length := uint32(1 + len(f.Payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(f.Opcode)
	copy(buf[5:], f.Payload)
	return buf
}

// WriteFrame encodes f and writes it to w in one call.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write(EncodeFrame(f)); err != nil {
		return brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. A short read is
// TRANSPORT_FAIL; a declared length outside (0, maxFrameLength] is ARG —
// the caller should close the connection rather than try to resync.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxFrameLength {
		return Frame{}, brokererr.New(brokererr.CodeARG, "invalid frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	return Frame{Opcode: Opcode(body[0]), Payload: body[1:]}, nil
}

const errorFrameFixedLen = 4 + 4

// EncodeError serializes a brokererr.Error as the wire's error payload:
// a 4-byte status code followed by a 4-byte length-prefixed UTF-8
// message (spec §7).
func EncodeError(e *brokererr.Error) []byte {
	msg := []byte(e.Message)
	buf := make([]byte, errorFrameFixedLen+len(msg))
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(e.Code)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(msg)))
	copy(buf[8:], msg)
	return buf
}

// DecodeError parses a buffer previously produced by EncodeError.
func DecodeError(b []byte) (*brokererr.Error, error) {
	if len(b) < errorFrameFixedLen {
		return nil, brokererr.New(brokererr.CodeARG, "error payload too short: %d bytes", len(b))
	}
	code := brokererr.Code(int32(binary.BigEndian.Uint32(b[0:4])))
	n := int(binary.BigEndian.Uint32(b[4:8]))
	if errorFrameFixedLen+n > len(b) {
		return nil, brokererr.New(brokererr.CodeARG, "truncated error message")
	}
	return &brokererr.Error{Code: code, Message: string(b[8 : 8+n])}, nil
}
