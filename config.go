package quic

import (
	"crypto/tls"
	"time"

	"github.com/goburrow/quince/transport"
)

// Config configures a Client or Server. It embeds transport.Config so the
// transport-level parameters (initial_max_data, idle timeout, ...) and the
// TLS config are both reachable directly off the value, e.g. config.TLS.
type Config struct {
	transport.Config

	// MaxIdleTimeout is the idle timeout NewConfig copies into
	// Config.Params.MaxIdleTimeout. Changing it after NewConfig returns
	// does not update Params.
	MaxIdleTimeout time.Duration
}

// NewConfig returns a Config with reasonable transport-parameter defaults
// (initial flow-control/stream limits, idle timeout, a minimal tls.Config
// ready for ServerName/InsecureSkipVerify/Certificates to be set by the
// caller) for callers that don't need to build one field by field.
func NewConfig() *Config {
	c := &Config{
		MaxIdleTimeout: 30 * time.Second,
	}
	c.Version = transport.ProtocolVersion1
	c.TLS = &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{"quince"},
	}
	c.Params = transport.Parameters{
		InitialMaxData:                 1 << 20,
		InitialMaxStreamDataBidiLocal:  1 << 18,
		InitialMaxStreamDataBidiRemote: 1 << 18,
		InitialMaxStreamDataUni:        1 << 18,
		InitialMaxStreamsBidi:          100,
		InitialMaxStreamsUni:           100,
		MaxIdleTimeout:                 c.MaxIdleTimeout,
		MaxUDPPayloadSize:              transport.MaxPacketSize,
		AckDelayExponent:               3,
		MaxAckDelay:                    25 * time.Millisecond,
		ActiveConnectionIDLimit:        4,
	}
	return c
}
