package quic

import (
	"net"
	"sync"

	"github.com/goburrow/quince/transport"
	"golang.org/x/sys/unix"
)

// socketBufferSize is the SO_RCVBUF/SO_SNDBUF target. The kernel default is
// typically too small to keep up with a busy server under loss/reorder;
// this matches what a handful of QUIC servers request and is raised on a
// best-effort basis only, since SO_RCVBUF is root-capped on Linux by
// /proc/sys/net/core/rmem_max.
const socketBufferSize = 1 << 20

// recvBufSize is sized for the largest datagram this implementation will
// ever produce or accept; GSO/jumbograms are out of scope.
const recvBufSize = transport.MaxPacketSize

// udpSocket wraps a net.UDPConn with the buffer tuning and a pooled
// receive-buffer allocator the read loop in client.go/server.go shares.
type udpSocket struct {
	conn *net.UDPConn
	pool sync.Pool
}

func listenUDP(addr string) (*udpSocket, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	s := newUDPSocket(conn)
	s.tuneBuffers()
	return s, nil
}

func newUDPSocket(conn *net.UDPConn) *udpSocket {
	s := &udpSocket{conn: conn}
	s.pool.New = func() interface{} {
		b := make([]byte, recvBufSize)
		return &b
	}
	return s
}

// tuneBuffers raises the socket's kernel buffers via setsockopt. Failure is
// non-fatal: the socket still works with whatever the OS default is, just
// with a higher chance of kernel-side drops under load.
func (s *udpSocket) tuneBuffers() {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
}

func (s *udpSocket) getBuf() *[]byte {
	return s.pool.Get().(*[]byte)
}

func (s *udpSocket) putBuf(b *[]byte) {
	s.pool.Put(b)
}

func (s *udpSocket) readFrom() ([]byte, net.Addr, *[]byte, error) {
	buf := s.getBuf()
	n, addr, err := s.conn.ReadFrom(*buf)
	if err != nil {
		s.putBuf(buf)
		return nil, nil, nil, err
	}
	return (*buf)[:n], addr, buf, nil
}

func (s *udpSocket) writeTo(b []byte, addr net.Addr) (int, error) {
	return s.conn.WriteTo(b, addr)
}

func (s *udpSocket) localAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *udpSocket) close() error {
	return s.conn.Close()
}
