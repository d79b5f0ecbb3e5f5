package quic

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/goburrow/quince/transport"
	"github.com/google/uuid"
)

// errUnknownConnection is returned by an endpoint's accept func when a
// datagram's CID doesn't belong to any tracked connection and the
// endpoint doesn't accept new ones (a Client).
var errUnknownConnection = errors.New("quic: unknown connection")

// sendBufSize is the scratch buffer size used to serialize one outgoing
// datagram; transport.MaxPacketSize covers the largest packet this
// implementation will ever produce.
const sendBufSize = transport.MaxPacketSize

// endpoint is the UDP socket pump shared by Client and Server: read
// incoming datagrams, feed them to the right transport.Conn, then drain
// every connection's outgoing datagrams back onto the wire. Client and
// Server differ only in how a datagram with an unrecognized CID is
// handled (drop vs. accept a new connection), via the accept field.
type endpoint struct {
	socket  *udpSocket
	conns   *HandlerMap
	config  *Config
	log     logger
	cidLen  int
	accept  func(e *endpoint, data []byte, addr net.Addr) (*remoteConn, []byte, error)
	closeCh chan struct{}
}

func newEndpoint(config *Config, cidLen int) *endpoint {
	return &endpoint{
		conns:   newHandlerMap(),
		config:  config,
		cidLen:  cidLen,
		closeCh: make(chan struct{}),
	}
}

func (e *endpoint) setHandler(h Handler) {
	e.conns.setHandler(h)
}

func (e *endpoint) setLogger(level int, w io.Writer) {
	e.log.level = logLevel(level)
	if w != nil {
		e.log.setWriter(w)
	}
}

func (e *endpoint) listenAndServe(addr string) error {
	socket, err := listenUDP(addr)
	if err != nil {
		return err
	}
	e.socket = socket
	go e.readLoop()
	go e.reapLoop()
	return nil
}

func (e *endpoint) close() error {
	close(e.closeCh)
	e.conns.closeAll(0, "")
	if e.socket != nil {
		return e.socket.close()
	}
	return nil
}

func (e *endpoint) readLoop() {
	for {
		data, addr, buf, err := e.socket.readFrom()
		if err != nil {
			select {
			case <-e.closeCh:
				return
			default:
			}
			e.log.log(levelError, "read from udp: %v", err)
			continue
		}
		e.handleDatagram(data, addr)
		e.socket.putBuf(buf)
	}
}

func (e *endpoint) handleDatagram(data []byte, addr net.Addr) {
	now := time.Now()
	e.conns.metrics.packetsReceived.Inc()
	e.conns.metrics.bytesReceived.Add(float64(len(data)))
	cid, ok := peekDCID(data, e.cidLen)
	if !ok {
		e.conns.metrics.packetsDropped.Inc()
		return
	}
	rc := e.conns.lookup(cid)
	accepted := false
	if rc == nil {
		if cc := e.conns.lookupClosed(cid); cc != nil {
			e.echoClose(cc, addr)
			return
		}
		var err error
		rc, data, err = e.accept(e, data, addr)
		if err != nil || rc == nil {
			e.conns.metrics.packetsDropped.Inc()
			return
		}
		accepted = true
		e.conns.metrics.connsAccepted.Inc()
	}
	e.conns.observePath(rc, e.socket.localAddr(), addr)
	if err := rc.conn.Write(data); err != nil {
		e.log.log(levelDebug, "conn write: %v", err)
	}
	e.serveAndFlush(rc, accepted, now)
}

// serveAndFlush delivers rc's events to the configured Handler, flushes its
// pending outgoing datagrams, then retires rc to a ClosedContext the moment
// its connection reports Closed, so nothing heavier than its CIDs and last
// close datagram stays resident for the rest of its drain period.
func (e *endpoint) serveAndFlush(rc *remoteConn, accepted bool, now time.Time) {
	closed := e.conns.serve(rc, accepted)
	last := e.flush(rc)
	if closed {
		e.conns.retire(rc, last, now)
	}
}

// echoClose answers a datagram addressed to an already-closed connection's
// CID with the last datagram it sent, if one was captured: RFC 9000
// §10.2.2 expects a closing endpoint to keep responding to a peer that is
// still retransmitting rather than go silent mid-drain.
func (e *endpoint) echoClose(cc *ClosedContext, addr net.Addr) {
	if len(cc.closePacket) == 0 {
		return
	}
	if _, err := e.socket.writeTo(cc.closePacket, addr); err != nil {
		e.log.log(levelError, "write to udp: %v", err)
	}
}

// flush drains every pending outgoing datagram for rc, coalescing what
// transport.Conn.Read already coalesces and writing each one to the
// socket in turn. It returns the last datagram written, if any, so a
// transition to Closed can capture the CONNECTION_CLOSE datagram a
// ClosedContext echoes back for the rest of the drain period.
func (e *endpoint) flush(rc *remoteConn) []byte {
	// Register CIDs once the sends are done, so one announced by a
	// NEW_CONNECTION_ID in this flush already routes when the peer uses it.
	defer func() {
		for _, cid := range rc.conn.ActiveConnectionIDs() {
			e.conns.addCID(rc, cid)
		}
	}()
	buf := make([]byte, sendBufSize)
	var last []byte
	for {
		n, err := rc.conn.Read(buf)
		if err != nil {
			e.log.log(levelDebug, "conn read: %v", err)
			return last
		}
		if n == 0 {
			return last
		}
		if _, err := e.socket.writeTo(buf[:n], rc.addr); err != nil {
			e.log.log(levelError, "write to udp: %v", err)
			return last
		}
		e.conns.metrics.packetsSent.Inc()
		e.conns.metrics.bytesSent.Add(float64(n))
		last = append([]byte(nil), buf[:n]...)
	}
}

// reapLoop periodically drops expired ClosedContexts and flushes any
// timer-driven retransmissions (PTO, idle close) that aren't triggered by
// an inbound datagram.
func (e *endpoint) reapLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.closeCh:
			return
		case now := <-ticker.C:
			e.conns.reap(now)
			e.conns.mu.Lock()
			conns := make([]*remoteConn, 0, len(e.conns.all))
			for rc := range e.conns.all {
				conns = append(conns, rc)
			}
			e.conns.mu.Unlock()
			for _, rc := range conns {
				if rc.conn.Timeout() == 0 {
					// Write(nil) runs no recv iterations but still advances
					// the idle/PTO timers transport.Conn checks after its
					// receive loop, driving retransmission without needing
					// an inbound datagram to trigger it.
					_, _ = rc.conn.Write(nil)
				}
				e.serveAndFlush(rc, false, now)
			}
		}
	}
}

// peekDCID extracts the destination connection ID from a datagram without
// decrypting or fully parsing it, so the endpoint can route it to a
// connection before anything about the packet is trusted. Long-header
// packets self-describe their DCID length (RFC 9000 §17.2); short-header
// packets don't, so cidLen must be the fixed length this endpoint mints
// for its own connection IDs.
func peekDCID(b []byte, cidLen int) ([]byte, bool) {
	if len(b) < 1 {
		return nil, false
	}
	if b[0]&0x80 != 0 {
		// Long header: type(1) + version(4) + dcil(1) + dcid.
		if len(b) < 6 {
			return nil, false
		}
		dcil := int(b[5])
		if len(b) < 6+dcil {
			return nil, false
		}
		return b[6 : 6+dcil], true
	}
	if len(b) < 1+cidLen {
		return nil, false
	}
	return b[1 : 1+cidLen], true
}

func newRemoteConn(conn *transport.Conn, scid []byte, addr net.Addr) *remoteConn {
	rc := &remoteConn{
		addr:    addr,
		scid:    append([]byte(nil), scid...),
		conn:    conn,
		traceID: uuid.New(),
	}
	rc.history.observe(addr)
	return rc
}
