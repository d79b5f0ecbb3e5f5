package transport

import (
	"crypto/tls"
	"time"
)

// Transport parameter identifiers. RFC 9000 §18.2.
const (
	paramOriginalDestinationCID     = 0x00
	paramMaxIdleTimeout             = 0x01
	paramStatelessResetToken        = 0x02
	paramMaxUDPPayloadSize          = 0x03
	paramInitialMaxData             = 0x04
	paramInitialMaxStreamDataBidiLocal  = 0x05
	paramInitialMaxStreamDataBidiRemote = 0x06
	paramInitialMaxStreamDataUni    = 0x07
	paramInitialMaxStreamsBidi      = 0x08
	paramInitialMaxStreamsUni       = 0x09
	paramAckDelayExponent           = 0x0a
	paramMaxAckDelay                = 0x0b
	paramDisableActiveMigration     = 0x0c
	paramPreferredAddress           = 0x0d
	paramActiveConnectionIDLimit    = 0x0e
	paramInitialSourceCID           = 0x0f
	paramRetrySourceCID             = 0x10
)

const defaultAckDelayExponent = 3
const defaultMaxAckDelay = 25 * time.Millisecond
const defaultActiveConnectionIDLimit = 2

// PreferredAddress is the parsed `preferred_address` transport parameter
// (RFC 9000 §18.2). The connection records it but never migrates to it;
// active migration is out of scope.
type PreferredAddress struct {
	IPv4                [4]byte
	IPv4Port            uint16
	IPv6                [16]byte
	IPv6Port            uint16
	ConnectionID        []byte
	StatelessResetToken [16]byte
}

// Parameters holds the QUIC transport parameters exchanged during the TLS
// handshake (RFC 9000 §18). Zero-valued fields that are also zero-default
// on the wire (most of the varint limits) are omitted from encoding.
type Parameters struct {
	OriginalDestinationCID []byte
	InitialSourceCID       []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	MaxIdleTimeout    time.Duration
	MaxUDPPayloadSize uint64

	InitialMaxData                  uint64
	InitialMaxStreamDataBidiLocal   uint64
	InitialMaxStreamDataBidiRemote  uint64
	InitialMaxStreamDataUni         uint64
	InitialMaxStreamsBidi           uint64
	InitialMaxStreamsUni            uint64

	AckDelayExponent uint64
	MaxAckDelay      time.Duration

	DisableActiveMigration bool
	ActiveConnectionIDLimit uint64

	PreferredAddress *PreferredAddress
}

// setDefaults fills in the RFC 9000 defaults for parameters an endpoint is
// permitted to omit from the wire.
func (p *Parameters) setDefaults() {
	if p.AckDelayExponent == 0 {
		p.AckDelayExponent = defaultAckDelayExponent
	}
	if p.MaxAckDelay == 0 {
		p.MaxAckDelay = defaultMaxAckDelay
	}
	if p.ActiveConnectionIDLimit == 0 {
		p.ActiveConnectionIDLimit = defaultActiveConnectionIDLimit
	}
}

func marshalVarintParam(b []byte, id, v uint64) []byte {
	head := make([]byte, 16)
	n := putVarint(head, id)
	n += putVarint(head[n:], uint64(varintLen(v)))
	n += putVarint(head[n:], v)
	return append(b, head[:n]...)
}

func marshalBytesParam(b []byte, id uint64, v []byte) []byte {
	head := make([]byte, 16)
	n := putVarint(head, id)
	n += putVarint(head[n:], uint64(len(v)))
	b = append(b, head[:n]...)
	return append(b, v...)
}

func marshalFlagParam(b []byte, id uint64) []byte {
	head := make([]byte, 16)
	n := putVarint(head, id)
	n += putVarint(head[n:], 0)
	return append(b, head[:n]...)
}

// marshal encodes the parameters using the RFC 9000 §18.1 TLV format:
// varint id, varint length, value.
func (p *Parameters) marshal() []byte {
	var b []byte
	if p.OriginalDestinationCID != nil {
		b = marshalBytesParam(b, paramOriginalDestinationCID, p.OriginalDestinationCID)
	}
	if p.MaxIdleTimeout > 0 {
		b = marshalVarintParam(b, paramMaxIdleTimeout, uint64(p.MaxIdleTimeout/time.Millisecond))
	}
	if len(p.StatelessResetToken) == 16 {
		b = marshalBytesParam(b, paramStatelessResetToken, p.StatelessResetToken)
	}
	if p.MaxUDPPayloadSize > 0 {
		b = marshalVarintParam(b, paramMaxUDPPayloadSize, p.MaxUDPPayloadSize)
	}
	if p.InitialMaxData > 0 {
		b = marshalVarintParam(b, paramInitialMaxData, p.InitialMaxData)
	}
	if p.InitialMaxStreamDataBidiLocal > 0 {
		b = marshalVarintParam(b, paramInitialMaxStreamDataBidiLocal, p.InitialMaxStreamDataBidiLocal)
	}
	if p.InitialMaxStreamDataBidiRemote > 0 {
		b = marshalVarintParam(b, paramInitialMaxStreamDataBidiRemote, p.InitialMaxStreamDataBidiRemote)
	}
	if p.InitialMaxStreamDataUni > 0 {
		b = marshalVarintParam(b, paramInitialMaxStreamDataUni, p.InitialMaxStreamDataUni)
	}
	if p.InitialMaxStreamsBidi > 0 {
		b = marshalVarintParam(b, paramInitialMaxStreamsBidi, p.InitialMaxStreamsBidi)
	}
	if p.InitialMaxStreamsUni > 0 {
		b = marshalVarintParam(b, paramInitialMaxStreamsUni, p.InitialMaxStreamsUni)
	}
	if p.AckDelayExponent > 0 {
		b = marshalVarintParam(b, paramAckDelayExponent, p.AckDelayExponent)
	}
	if p.MaxAckDelay > 0 {
		b = marshalVarintParam(b, paramMaxAckDelay, uint64(p.MaxAckDelay/time.Millisecond))
	}
	if p.DisableActiveMigration {
		b = marshalFlagParam(b, paramDisableActiveMigration)
	}
	if p.PreferredAddress != nil {
		b = marshalPreferredAddress(b, p.PreferredAddress)
	}
	if p.ActiveConnectionIDLimit > 0 {
		b = marshalVarintParam(b, paramActiveConnectionIDLimit, p.ActiveConnectionIDLimit)
	}
	if p.InitialSourceCID != nil {
		b = marshalBytesParam(b, paramInitialSourceCID, p.InitialSourceCID)
	}
	if p.RetrySourceCID != nil {
		b = marshalBytesParam(b, paramRetrySourceCID, p.RetrySourceCID)
	}
	return b
}

func marshalPreferredAddress(b []byte, a *PreferredAddress) []byte {
	value := make([]byte, 0, 4+2+16+2+1+len(a.ConnectionID)+16)
	value = append(value, a.IPv4[:]...)
	value = append(value, byte(a.IPv4Port>>8), byte(a.IPv4Port))
	value = append(value, a.IPv6[:]...)
	value = append(value, byte(a.IPv6Port>>8), byte(a.IPv6Port))
	value = append(value, byte(len(a.ConnectionID)))
	value = append(value, a.ConnectionID...)
	value = append(value, a.StatelessResetToken[:]...)

	head := make([]byte, 16)
	n := putVarint(head, paramPreferredAddress)
	n += putVarint(head[n:], uint64(len(value)))
	b = append(b, head[:n]...)
	return append(b, value...)
}

// unmarshal decodes the TLV-encoded transport parameters in b.
func (p *Parameters) unmarshal(b []byte) error {
	for len(b) > 0 {
		var id, length uint64
		n := getVarint(b, &id)
		if n == 0 {
			return newError(TransportParameterError, "truncated id")
		}
		b = b[n:]
		n = getVarint(b, &length)
		if n == 0 {
			return newError(TransportParameterError, "truncated length")
		}
		b = b[n:]
		if uint64(len(b)) < length {
			return newError(TransportParameterError, "truncated value")
		}
		value := b[:length]
		b = b[length:]
		if err := p.setParam(id, value); err != nil {
			return err
		}
	}
	p.setDefaults()
	return nil
}

func (p *Parameters) setParam(id uint64, value []byte) error {
	switch id {
	case paramOriginalDestinationCID:
		p.OriginalDestinationCID = append([]byte(nil), value...)
	case paramMaxIdleTimeout:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.MaxIdleTimeout = time.Duration(v) * time.Millisecond
	case paramStatelessResetToken:
		if len(value) != 16 {
			return newError(TransportParameterError, "stateless reset token length")
		}
		p.StatelessResetToken = append([]byte(nil), value...)
	case paramMaxUDPPayloadSize:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.MaxUDPPayloadSize = v
	case paramInitialMaxData:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxData = v
	case paramInitialMaxStreamDataBidiLocal:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiLocal = v
	case paramInitialMaxStreamDataBidiRemote:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataBidiRemote = v
	case paramInitialMaxStreamDataUni:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxStreamDataUni = v
	case paramInitialMaxStreamsBidi:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxStreamsBidi = v
	case paramInitialMaxStreamsUni:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.InitialMaxStreamsUni = v
	case paramAckDelayExponent:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.AckDelayExponent = v
	case paramMaxAckDelay:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.MaxAckDelay = time.Duration(v) * time.Millisecond
	case paramDisableActiveMigration:
		p.DisableActiveMigration = true
	case paramPreferredAddress:
		a, err := unmarshalPreferredAddress(value)
		if err != nil {
			return err
		}
		p.PreferredAddress = a
	case paramActiveConnectionIDLimit:
		v, err := decodeVarintParam(value)
		if err != nil {
			return err
		}
		p.ActiveConnectionIDLimit = v
	case paramInitialSourceCID:
		p.InitialSourceCID = append([]byte(nil), value...)
	case paramRetrySourceCID:
		p.RetrySourceCID = append([]byte(nil), value...)
	default:
		// Unknown parameters must be ignored, not rejected.
	}
	return nil
}

func decodeVarintParam(value []byte) (uint64, error) {
	var v uint64
	n := getVarint(value, &v)
	if n == 0 || n != len(value) {
		return 0, newError(TransportParameterError, "malformed varint parameter")
	}
	return v, nil
}

func unmarshalPreferredAddress(value []byte) (*PreferredAddress, error) {
	if len(value) < 4+2+16+2+1 {
		return nil, newError(TransportParameterError, "preferred address too short")
	}
	a := &PreferredAddress{}
	copy(a.IPv4[:], value[0:4])
	a.IPv4Port = uint16(value[4])<<8 | uint16(value[5])
	copy(a.IPv6[:], value[6:22])
	a.IPv6Port = uint16(value[22])<<8 | uint16(value[23])
	cidLen := int(value[24])
	value = value[25:]
	if len(value) < cidLen+16 {
		return nil, newError(TransportParameterError, "preferred address cid/token")
	}
	a.ConnectionID = append([]byte(nil), value[:cidLen]...)
	copy(a.StatelessResetToken[:], value[cidLen:cidLen+16])
	return a, nil
}

// Config configures a Conn created by Connect or Accept.
type Config struct {
	Version uint32
	TLS     *tls.Config
	Params  Parameters
}
