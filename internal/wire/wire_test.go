package wire_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubrid/gobroker/internal/brokererr"
	"github.com/cubrid/gobroker/internal/wire"
)

func TestHandshake_RoundTrip(t *testing.T) {
	in := wire.Handshake{
		MajorVersion: 1,
		MinorVersion: 2,
		Function:     wire.FuncConnect,
		Flags:        wire.FlagWantsKeepConnection,
		User:         "appuser",
		Password:     "s3cret",
		Database:     "demodb",
	}
	copy(in.DriverInfo[:], []byte("cci-11.2"))

	encoded := wire.EncodeHandshake(in)
	out, err := wire.DecodeHandshake(encoded, 1)
	require.NoError(t, err)

	assert.Equal(t, in, out)
	assert.True(t, out.WantsKeepConnection())
}

func TestHandshake_RejectsBadMagic(t *testing.T) {
	buf := wire.EncodeHandshake(wire.Handshake{MajorVersion: 1})
	buf[0] = 'X'
	_, err := wire.DecodeHandshake(buf, 1)
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeARG, brokererr.AsCode(err))
}

func TestHandshake_RejectsNewerMajorVersion(t *testing.T) {
	buf := wire.EncodeHandshake(wire.Handshake{MajorVersion: 5})
	_, err := wire.DecodeHandshake(buf, 1)
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeVersion, brokererr.AsCode(err))
}

func TestHandshake_RejectsTruncatedBuffer(t *testing.T) {
	buf := wire.EncodeHandshake(wire.Handshake{MajorVersion: 1, User: "alice"})
	_, err := wire.DecodeHandshake(buf[:len(buf)-2], 1)
	assert.Error(t, err)
}

func TestHandshakeReply_RoundTrip(t *testing.T) {
	in := wire.HandshakeReply{Status: 0, SessionID: 99887766, WorkerPort: 40201}
	out, err := wire.DecodeHandshakeReply(wire.EncodeHandshakeReply(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrame_EncodeReadRoundTrip(t *testing.T) {
	in := wire.Frame{Opcode: wire.OpExecute, Payload: []byte("select * from t")}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, in))

	out, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestFrame_EmptyPayloadRoundTrip(t *testing.T) {
	in := wire.Frame{Opcode: wire.OpEndTran}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, in))

	out, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadFrame_RejectsZeroLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	_, err := wire.ReadFrame(buf)
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeARG, brokererr.AsCode(err))
}

func TestReadFrame_ShortBodyIsTransportFail(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 1, 2}) // declares 10 bytes, has 2
	_, err := wire.ReadFrame(buf)
	require.Error(t, err)
	assert.Equal(t, brokererr.CodeTransportFail, brokererr.AsCode(err))
}

func TestError_EncodeDecodeRoundTrip(t *testing.T) {
	in := brokererr.New(brokererr.CodeBackendFail, "connection reset by backend")
	out, err := wire.DecodeError(wire.EncodeError(in))
	require.NoError(t, err)
	assert.Equal(t, in.Code, out.Code)
	assert.Equal(t, in.Message, out.Message)
}

func TestCompressPayload_SmallPayloadIsUncompressed(t *testing.T) {
	data := []byte("short row")
	out, c := wire.CompressPayload(data)
	assert.Equal(t, wire.CompressionNone, c)
	assert.Equal(t, data, out)
}

func TestCompressPayload_LargePayloadRoundTrips(t *testing.T) {
	data := []byte(strings.Repeat("repeated-row-value,", 1000))
	compressed, c := wire.CompressPayload(data)
	require.Equal(t, wire.CompressionZstd, c)
	require.Less(t, len(compressed), len(data))

	out, err := wire.DecompressPayload(compressed, c)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
