package quic

import (
	"crypto/rand"
	"io"
	"net"

	"github.com/goburrow/quince/transport"
)

// clientCIDLength is the source CID length a Client mints for itself. It
// has no server-side retry/validation to satisfy, so a shorter CID than
// the server default is enough to disambiguate connections on this socket.
const clientCIDLength = 8

// Client is a QUIC client endpoint. It can drive multiple connections over
// one UDP socket, though cmd/quince only ever opens one.
type Client struct {
	ep *endpoint
}

// NewClient creates a Client from config. A nil config uses NewConfig's
// defaults.
func NewClient(config *Config) *Client {
	if config == nil {
		config = NewConfig()
	}
	c := &Client{ep: newEndpoint(config, clientCIDLength)}
	c.ep.accept = func(e *endpoint, data []byte, addr net.Addr) (*remoteConn, []byte, error) {
		// A client never accepts inbound connections; a datagram with an
		// unrecognized CID on a client socket is stray traffic.
		return nil, nil, errUnknownConnection
	}
	return c
}

// SetHandler registers h to receive connection/stream events. It must be
// called before Connect.
func (c *Client) SetHandler(h Handler) {
	c.ep.setHandler(h)
}

// SetLogger enables qlog-style transaction logging at the given verbosity
// (see levelOff..levelTrace) to w.
func (c *Client) SetLogger(level int, w io.Writer) {
	c.ep.setLogger(level, w)
}

// ListenAndServe binds the client's UDP socket to addr (commonly
// "0.0.0.0:0" for an ephemeral port) and starts its read loop.
func (c *Client) ListenAndServe(addr string) error {
	return c.ep.listenAndServe(addr)
}

// Connect starts a new connection to addr.
func (c *Client) Connect(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	scid := make([]byte, clientCIDLength)
	if _, err := io.ReadFull(rand.Reader, scid); err != nil {
		return err
	}
	conn, err := transport.Connect(scid, &c.ep.config.Config)
	if err != nil {
		return err
	}
	rc := newRemoteConn(conn, scid, udpAddr)
	c.ep.log.attachLogger(rc)
	c.ep.conns.add(rc)
	c.ep.flush(rc)
	return nil
}

// Close closes every connection on this client and releases its socket.
func (c *Client) Close() error {
	return c.ep.close()
}
