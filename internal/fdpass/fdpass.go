// Package fdpass implements the UNIX-domain-socket file-descriptor
// passing transport the master uses to hand an accepted client socket to
// a CAS worker process (spec §4.3).
package fdpass

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cubrid/gobroker/internal/brokererr"
)

const sidebandSize = 4 + driverInfoBytes

const driverInfoBytes = 10

// Sideband is the fixed struct sent alongside the passed fd (spec §4.3,
// §6): { request_id: i32, driver_info: bytes[10] }.
type Sideband struct {
	RequestID  int32
	DriverInfo [driverInfoBytes]byte
}

func encodeSideband(sb Sideband) []byte {
	buf := make([]byte, sidebandSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(sb.RequestID))
	copy(buf[4:4+driverInfoBytes], sb.DriverInfo[:])
	return buf
}

func decodeSideband(buf []byte) Sideband {
	var sb Sideband
	sb.RequestID = int32(binary.BigEndian.Uint32(buf[0:4]))
	copy(sb.DriverInfo[:], buf[4:4+driverInfoBytes])
	return sb
}

// NewPair creates a connected pair of UNIX domain sockets for fd-passing
// between the master and a newly spawned worker. The master keeps one
// end as a *net.UnixConn; the other end is handed to exec.Cmd.ExtraFiles
// for the child, which always sees it as fd 3 (the lowest ExtraFiles
// slot), mirroring how real preforked pools inherit a control socket.
func NewPair() (masterEnd *net.UnixConn, workerEnd *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	mf := os.NewFile(uintptr(fds[0]), "fdpass-master")
	wf := os.NewFile(uintptr(fds[1]), "fdpass-worker")

	c, err := net.FileConn(mf)
	mf.Close()
	if err != nil {
		wf.Close()
		return nil, nil, fmt.Errorf("fdpass: fileconn: %w", err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		wf.Close()
		return nil, nil, fmt.Errorf("fdpass: unexpected conn type %T", c)
	}
	return uc, wf, nil
}

// Send hands fd to the peer over conn along with sb. The caller must not
// close fd until Send returns a nil error — the receiver becomes the
// owner (spec §4.3).
func Send(conn *net.UnixConn, fd uintptr, sb Sideband) error {
	oob := unix.UnixRights(int(fd))
	payload := encodeSideband(sb)

	n, oobn, err := conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	if n != len(payload) || oobn != len(oob) {
		return brokererr.New(brokererr.CodeTransportFail,
			"short sendmsg: wrote %d/%d bytes, %d/%d ancillary bytes", n, len(payload), oobn, len(oob))
	}
	return nil
}

// Recv reads one fd plus sideband message from conn. A short sideband
// read or missing ancillary data is TRANSPORT_FAIL; per spec §4.3 the
// worker treats this as fatal and exits.
func Recv(conn *net.UnixConn) (*os.File, Sideband, error) {
	buf := make([]byte, sidebandSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, Sideband{}, brokererr.Wrap(brokererr.CodeTransportFail, err)
	}
	if n < sidebandSize {
		return nil, Sideband{}, brokererr.New(brokererr.CodeTransportFail,
			"short sideband read: got %d want %d", n, sidebandSize)
	}
	if oobn == 0 {
		return nil, Sideband{}, brokererr.New(brokererr.CodeTransportFail, "missing ancillary data")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return nil, Sideband{}, brokererr.New(brokererr.CodeTransportFail, "malformed ancillary data")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		return nil, Sideband{}, brokererr.New(brokererr.CodeTransportFail,
			"expected exactly one passed fd, got %d", len(fds))
	}

	sb := decodeSideband(buf[:n])
	f := os.NewFile(uintptr(fds[0]), fmt.Sprintf("client-fd-%d", sb.RequestID))
	return f, sb, nil
}
