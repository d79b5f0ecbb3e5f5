package quic

import (
	"net"
	"sync"
	"time"

	"github.com/goburrow/quince/transport"
	"github.com/google/uuid"
)

// EventConnAccept and EventConnClose extend transport.EventType with
// connection-lifecycle events a HandlerMap synthesizes itself, rather than
// ones transport.Conn produces while processing frames. They start at 100
// to stay clear of transport's own EventStream/EventStreamReset/
// EventStreamStop/EventStreamComplete range (0-3).
const (
	EventConnAccept transport.EventType = 100 + iota
	EventConnClose
)

// Conn is the application-facing view of a transport.Conn, adapting its
// error-returning Stream lookup to the nil-on-miss convention callers
// expect and exposing the address a datagram was last seen from.
type Conn interface {
	RemoteAddr() net.Addr
	Stream(id uint64) *transport.Stream
	Close(errCode uint64, reason string)
}

// Handler processes the events produced by one or more connections.
// Serve is invoked from the endpoint's socket read loop and from its timer
// loop, so it must not block on anything other than the work it does with
// events.
type Handler interface {
	Serve(c Conn, events []transport.Event)
}

// remoteConn binds a transport.Conn to the address it was last observed at
// and the source CID a HandlerMap indexes it under, so log.go's
// attachLogger/detachLogger and handler callbacks can report both without
// threading extra arguments through transport.Conn itself. It is retired
// to a ClosedContext as soon as its Conn reports Closed; see HandlerMap.retire.
type remoteConn struct {
	addr    net.Addr
	scid    []byte
	conn    *transport.Conn
	history addrHistory

	// traceID correlates every log line for this connection across CID
	// changes and NAT rebinds; it never appears on the wire.
	traceID uuid.UUID
}

func (c *remoteConn) RemoteAddr() net.Addr {
	return c.addr
}

func (c *remoteConn) Stream(id uint64) *transport.Stream {
	st, err := c.conn.Stream(id)
	if err != nil {
		return nil
	}
	return st
}

func (c *remoteConn) Close(errCode uint64, reason string) {
	c.conn.Close(true, errCode, reason)
}

// ClosedContext is what a HandlerMap keeps in place of a remoteConn once
// its transport.Conn reaches the Closed state: not the connection itself
// (crypto secrets, stream buffers, ACK ledgers) but only the two things a
// peer's still-in-flight retransmissions need answered -- the CIDs that
// used to route to it, and one copy of the datagram carrying its last
// CONNECTION_CLOSE frame, echoed back verbatim instead of re-deriving or
// re-encrypting anything. It self-expires after its connection's own
// DrainPeriod (three times that connection's probe timeout), not a
// fleet-wide constant, since that duration depends on the RTT the
// connection actually measured.
type ClosedContext struct {
	cids        [][]byte
	closePacket []byte
	expiry      time.Time
}

func newClosedContext(cids [][]byte, closePacket []byte, expiry time.Time) *ClosedContext {
	cc := &ClosedContext{expiry: expiry}
	cc.cids = make([][]byte, len(cids))
	for i, cid := range cids {
		cc.cids[i] = append([]byte(nil), cid...)
	}
	if len(closePacket) > 0 {
		cc.closePacket = append([]byte(nil), closePacket...)
	}
	return cc
}

func (cc *ClosedContext) expired(now time.Time) bool {
	return !now.Before(cc.expiry)
}

// HandlerMap multiplexes datagrams for many connections over a shared UDP
// socket, dispatching each to the remoteConn its CID resolves to and
// lingering on a ClosedContext for CIDs belonging to recently-closed
// connections instead of dropping them, or keeping the full connection
// alive, once draining ends.
type HandlerMap struct {
	mu    sync.Mutex
	byCID map[string]*remoteConn
	all   map[*remoteConn]struct{}

	closedByCID map[string]*ClosedContext

	paths   *pathInterner
	metrics *metrics

	handler Handler
	tokens  TokenValidator
}

func newHandlerMap() *HandlerMap {
	return &HandlerMap{
		byCID:       make(map[string]*remoteConn),
		all:         make(map[*remoteConn]struct{}),
		closedByCID: make(map[string]*ClosedContext),
		paths:       newPathInterner(),
		metrics:     newMetrics(),
		tokens:      newHMACTokenValidator(),
	}
}

func (m *HandlerMap) setHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// lookup resolves cid to a live connection, ignoring anything already
// retired to a ClosedContext.
func (m *HandlerMap) lookup(cid []byte) *remoteConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byCID[string(cid)]
}

// lookupClosed resolves cid to the ClosedContext lingering on it, if any.
func (m *HandlerMap) lookupClosed(cid []byte) *ClosedContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedByCID[string(cid)]
}

func (m *HandlerMap) add(rc *remoteConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCID[string(rc.scid)] = rc
	m.all[rc] = struct{}{}
	m.metrics.connsActive.Inc()
}

// addCID indexes an additional CID (minted via NEW_CONNECTION_ID) under the
// same remoteConn, so a later datagram addressed to it still resolves.
func (m *HandlerMap) addCID(rc *remoteConn, cid []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byCID[string(cid)] = rc
}

// observePath records the address a datagram for rc arrived from. When it
// differs from every address still in rc's history (ordinary NAT
// rebinding, since active migration is not implemented), it counts a path
// rebind and makes that address rc's current one.
func (m *HandlerMap) observePath(rc *remoteConn, local, peer net.Addr) {
	m.paths.intern(local, peer)
	if rc.history.observe(peer) {
		rc.addr = peer
		m.metrics.pathRebinds.Inc()
	}
}

// closeAll begins draining every open connection, used by Client/Server
// Close to unwind cleanly instead of abandoning sockets mid-handshake.
func (m *HandlerMap) closeAll(errCode uint64, reason string) {
	m.mu.Lock()
	conns := make([]*remoteConn, 0, len(m.all))
	for rc := range m.all {
		conns = append(conns, rc)
	}
	m.mu.Unlock()
	for _, rc := range conns {
		rc.conn.Close(true, errCode, reason)
	}
}

// retire moves rc from the live set to a ClosedContext the moment its
// connection reports Closed, dropping the heavyweight *transport.Conn (and
// everything it holds: keys, stream state, ACK history) in favor of just
// the CIDs that used to route to it and the last datagram it sent, which
// carries the CONNECTION_CLOSE frame a peer's retransmissions expect to
// keep seeing. closePacket is whatever endpoint.flush last wrote for rc;
// it may be empty if the peer closed first and rc never got to send one.
func (m *HandlerMap) retire(rc *remoteConn, closePacket []byte, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, live := m.all[rc]; !live {
		return
	}
	delete(m.all, rc)
	for cid, v := range m.byCID {
		if v == rc {
			delete(m.byCID, cid)
		}
	}
	cc := newClosedContext(rc.conn.ActiveConnectionIDs(), closePacket, now.Add(rc.conn.DrainPeriod()))
	for _, cid := range cc.cids {
		m.closedByCID[string(cid)] = cc
	}
	m.metrics.connsActive.Dec()
	m.metrics.connsClosed.Inc()
}

// reap drops every ClosedContext whose DrainPeriod has elapsed.
func (m *HandlerMap) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, cc := range m.closedByCID {
		if cc.expired(now) {
			delete(m.closedByCID, cid)
		}
	}
}

// serve dispatches one datagram's worth of events to the configured
// Handler, synthesizing EventConnAccept/EventConnClose around whatever
// events the connection itself produced. It reports whether rc's
// connection has reached Closed, so the caller knows to retire it.
func (m *HandlerMap) serve(rc *remoteConn, accepted bool) (closed bool) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	closed = rc.conn.IsClosed()
	if h == nil {
		return closed
	}
	events := rc.conn.Events(nil)
	if accepted {
		events = append([]transport.Event{{Type: EventConnAccept}}, events...)
	}
	if closed {
		events = append(events, transport.Event{Type: EventConnClose})
	}
	if len(events) == 0 {
		return closed
	}
	h.Serve(rc, events)
	return closed
}
