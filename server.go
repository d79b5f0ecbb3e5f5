package quic

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/goburrow/quince/transport"
)

// serverCIDLength is the source CID length a Server mints for accepted
// connections.
const serverCIDLength = 18

// Server is a QUIC server endpoint listening for new connections on a
// single UDP socket.
type Server struct {
	ep *endpoint
}

// NewServer creates a Server from config. A nil config uses NewConfig's
// defaults.
func NewServer(config *Config) *Server {
	if config == nil {
		config = NewConfig()
	}
	s := &Server{ep: newEndpoint(config, serverCIDLength)}
	s.ep.accept = acceptServerConn
	return s
}

// SetHandler registers h to receive connection/stream events.
func (s *Server) SetHandler(h Handler) {
	s.ep.setHandler(h)
}

// SetLogger enables qlog-style transaction logging at the given verbosity
// to w.
func (s *Server) SetLogger(level int, w io.Writer) {
	s.ep.setLogger(level, w)
}

// ListenAndServe binds to addr and starts accepting connections.
func (s *Server) ListenAndServe(addr string) error {
	return s.ep.listenAndServe(addr)
}

// Close closes every connection on this server and releases its socket.
func (s *Server) Close() error {
	return s.ep.close()
}

// ServeMetrics starts a Prometheus /metrics endpoint on addr in the
// background. It returns once the listener is confirmed bound, or the
// bind error if it fails immediately; errors occurring afterward are
// logged through the server's own logger.
func (s *Server) ServeMetrics(addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ep.conns.metrics.serveDebug(addr)
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(50 * time.Millisecond):
		go func() {
			s.ep.log.log(levelError, "metrics server: %v", <-errCh)
		}()
		return nil
	}
}

// acceptServerConn decides what to do with a datagram whose DCID doesn't
// match any tracked connection: accept it as a new connection's Initial
// packet, answer with Version Negotiation, or drop it. Retry-based address
// validation is not implemented (see the open-question note in
// DESIGN.md), so every well-formed Initial is accepted unconditionally.
func acceptServerConn(e *endpoint, data []byte, addr net.Addr) (*remoteConn, []byte, error) {
	if len(data) < 1 || data[0]&0x80 == 0 {
		// Short header packet for an unknown CID: the connection has
		// already been reaped or never existed. Nothing to do with it.
		return nil, nil, errUnknownConnection
	}
	if len(data) < 6 {
		return nil, nil, errUnknownConnection
	}
	version := binary.BigEndian.Uint32(data[1:5])
	dcil := int(data[5])
	if len(data) < 6+dcil+1 {
		return nil, nil, errUnknownConnection
	}
	dcid := append([]byte(nil), data[6:6+dcil]...)
	scil := int(data[6+dcil])
	if len(data) < 6+dcil+1+scil {
		return nil, nil, errUnknownConnection
	}
	clientSCID := data[7+dcil : 7+dcil+scil]

	if version != transport.ProtocolVersion1 {
		vn := buildVersionNegotiation(clientSCID, dcid)
		_, _ = e.socket.writeTo(vn, addr)
		return nil, nil, errUnknownConnection
	}
	if (data[0]>>4)&0x3 != 0 {
		// Only an Initial packet (long-header type bits 00) opens a connection.
		return nil, nil, errUnknownConnection
	}
	if len(data) < int(transport.MinInitialPacketSize) {
		// Initial packets not padded to the minimum size are a known
		// amplification-attack signature; drop rather than accept.
		return nil, nil, errUnknownConnection
	}

	// An Initial packet (long-header type bits 00, RFC 9000 §17.2.2) carries
	// an optional token between the SCID and the rest of the header, used
	// for NEW_TOKEN-based address validation on a later connection. There's
	// no Retry support to make a token mandatory here, so a present-but-
	// invalid token only gets logged, never rejected.
	if (data[0]>>4)&0x3 == 0 {
		if tok, ok := peekInitialToken(data, 7+dcil+scil); ok && len(tok) > 0 {
			if _, err := e.conns.tokens.Validate(tok, addr); err != nil {
				e.log.log(levelDebug, "initial token rejected: %v", err)
			} else {
				e.log.log(levelDebug, "initial token validated for %s", addr)
			}
		}
	}

	scid := make([]byte, serverCIDLength)
	if _, err := io.ReadFull(rand.Reader, scid); err != nil {
		return nil, nil, err
	}
	conn, err := transport.Accept(scid, dcid, &e.config.Config)
	if err != nil {
		return nil, nil, err
	}
	rc := newRemoteConn(conn, scid, addr)
	e.log.attachLogger(rc)
	e.conns.add(rc)
	return rc, data, nil
}

// peekInitialToken reads the Token Length/Token fields that follow an
// Initial packet's SCID (RFC 9000 §17.2.2), starting at offset off. It
// duplicates a one-field slice of transport's unexported varint decoder
// rather than exporting it, since this is the only field this layer ever
// needs to read before the rest of the header is opaque to it.
func peekInitialToken(b []byte, off int) ([]byte, bool) {
	length, n, ok := decodeVarint(b[off:])
	if !ok || uint64(len(b)-off-n) < length {
		return nil, false
	}
	start := off + n
	return b[start : start+int(length)], true
}

// decodeVarint reads one QUIC variable-length integer (RFC 9000 §16).
func decodeVarint(b []byte) (value uint64, consumed int, ok bool) {
	if len(b) < 1 {
		return 0, 0, false
	}
	length := 1 << (b[0] >> 6)
	if len(b) < length {
		return 0, 0, false
	}
	value = uint64(b[0] & 0x3f)
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(b[i])
	}
	return value, length, true
}

// buildVersionNegotiation hand-assembles a Version Negotiation datagram
// (RFC 9000 §17.2.1): it carries no packet number space or encryption, so
// it doesn't need transport's packet codec. The first byte's lower 7 bits
// are unused by the spec and may be any value; a random value avoids
// making Version Negotiation responses trivially fingerprintable.
func buildVersionNegotiation(dcid, scid []byte) []byte {
	b := make([]byte, 0, 7+len(dcid)+len(scid)+4)
	var first [1]byte
	rand.Read(first[:])
	b = append(b, first[0]|0x80)
	b = append(b, 0, 0, 0, 0) // version = 0 identifies Version Negotiation.
	b = append(b, byte(len(dcid)))
	b = append(b, dcid...)
	b = append(b, byte(len(scid)))
	b = append(b, scid...)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], transport.ProtocolVersion1)
	b = append(b, v[:]...)
	return b
}
