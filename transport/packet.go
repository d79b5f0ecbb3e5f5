package transport

import (
	"encoding/binary"
)

// Size limits.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-14
const (
	MaxCIDLength         = 20
	MinInitialPacketSize = 1200
	MaxPacketSize        = 65527
	minPayloadLength     = 4 // Minimum payload so there are enough bytes to sample for header protection.

	maxCryptoFrameOverhead = 16 // type + offset + length varints, worst case.
	maxStreamFrameOverhead = 18 // type + stream id + offset + length varints, worst case.
)

// ProtocolVersion1 is the QUIC v1 wire version (RFC 9000 §15).
const ProtocolVersion1 uint32 = 0x00000001

// versionSupported reports whether this implementation speaks version v.
func versionSupported(v uint32) bool {
	return v == ProtocolVersion1
}

// packetType identifies a long-header packet type, or packetTypeShort for
// the 1-RTT short header.
type packetType uint8

const (
	packetTypeInitial packetType = iota + 1
	packetTypeZeroRTT
	packetTypeHandshake
	packetTypeRetry
	packetTypeVersionNegotiation
	packetTypeShort
)

func (t packetType) String() string {
	switch t {
	case packetTypeInitial:
		return "initial"
	case packetTypeZeroRTT:
		return "0rtt"
	case packetTypeHandshake:
		return "handshake"
	case packetTypeRetry:
		return "retry"
	case packetTypeVersionNegotiation:
		return "version_negotiation"
	case packetTypeShort:
		return "1rtt"
	default:
		return "unknown"
	}
}

// Long header type bits (RFC 9000 §17.2), encoded in the low 2 bits of
// byte[0] bits 4-5.
const (
	longHeaderTypeInitial   = 0x0
	longHeaderTypeZeroRTT   = 0x1
	longHeaderTypeHandshake = 0x2
	longHeaderTypeRetry     = 0x3
)

// packetSpace is a packet-number space.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#section-12.3
type packetSpace uint8

const (
	packetSpaceInitial packetSpace = iota
	packetSpaceHandshake
	packetSpaceApplication
	packetSpaceCount
)

func (s packetSpace) String() string {
	switch s {
	case packetSpaceInitial:
		return "initial"
	case packetSpaceHandshake:
		return "handshake"
	case packetSpaceApplication:
		return "application"
	default:
		return "unknown"
	}
}

func packetTypeFromSpace(space packetSpace) packetType {
	switch space {
	case packetSpaceInitial:
		return packetTypeInitial
	case packetSpaceHandshake:
		return packetTypeHandshake
	default:
		return packetTypeShort
	}
}

func spaceFromPacketType(t packetType) packetSpace {
	switch t {
	case packetTypeInitial:
		return packetSpaceInitial
	case packetTypeHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

// encryptionLevel identifies one of the four key schedules a CryptoSuite
// maintains. EarlyData and Application share packetSpaceApplication.
type encryptionLevel uint8

const (
	encryptionLevelInitial encryptionLevel = iota
	encryptionLevelEarlyData
	encryptionLevelHandshake
	encryptionLevelApplication
	encryptionLevelCount
)

func (l encryptionLevel) String() string {
	switch l {
	case encryptionLevelInitial:
		return "initial"
	case encryptionLevelEarlyData:
		return "early_data"
	case encryptionLevelHandshake:
		return "handshake"
	case encryptionLevelApplication:
		return "application"
	default:
		return "unknown"
	}
}

// packetHeader is the decoded header of a single QUIC packet.
type packetHeader struct {
	version uint32
	dcid    []byte
	scid    []byte
	dcil    uint8 // Expected DCID length for short-header packets (set by caller before decode).
}

// packet holds the fields needed to encode or the fields produced by
// decoding a single QUIC packet (header + first-level metadata, not the
// decrypted payload).
type packet struct {
	typ    packetType
	header packetHeader

	token             []byte // Initial token (sent) or retry token (received).
	keyPhase          uint8  // Short header only: key_phase bit to encode (0 or 1).
	packetNumber      uint64
	packetNumberLen   int // Encoded length in bytes, 1-4. Set by decode, computed by encode.
	payloadLen        int // Encoded length field value (long header) or, pre-encode, the budget.
	supportedVersions []uint32
	headerLen         int // Byte offset where the payload begins, set by decode/encode.
}

func (p *packet) isLongHeader() bool {
	return p.typ != packetTypeShort
}

func (p *packet) String() string {
	return sprint(p.typ, " dcid=", hexString(p.header.dcid), " scid=", hexString(p.header.scid), " pn=", p.packetNumber)
}

// decodeHeader parses the first byte, version (if long header) and the CIDs.
// It does not decode per-type trailing fields (token/length); call
// decodeBody for that. It returns the number of bytes consumed by what it
// parsed.
func (p *packet) decodeHeader(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, newError(FrameEncodingError, "short packet")
	}
	first := b[0]
	if first&0x80 == 0 {
		// Short header: 0|1|S|R|R|K|pn_len(2)
		p.typ = packetTypeShort
		n := 1
		dcil := int(p.header.dcil)
		if len(b) < n+dcil {
			return 0, newError(FrameEncodingError, "short header truncated")
		}
		p.header.dcid = b[n : n+dcil]
		n += dcil
		p.packetNumberLen = int(first&0x03) + 1
		p.headerLen = n
		return n, nil
	}
	// Long header: 1|1|type(2)|reserved(2)|pn_len(2)
	if len(b) < 5 {
		return 0, newError(FrameEncodingError, "long header truncated")
	}
	version := binary.BigEndian.Uint32(b[1:5])
	n := 5
	if version == 0 {
		p.typ = packetTypeVersionNegotiation
	} else {
		switch (first >> 4) & 0x3 {
		case longHeaderTypeInitial:
			p.typ = packetTypeInitial
		case longHeaderTypeZeroRTT:
			p.typ = packetTypeZeroRTT
		case longHeaderTypeHandshake:
			p.typ = packetTypeHandshake
		case longHeaderTypeRetry:
			p.typ = packetTypeRetry
		}
		p.packetNumberLen = int(first&0x03) + 1
	}
	p.header.version = version
	if len(b) < n+1 {
		return 0, newError(FrameEncodingError, "truncated dcid length")
	}
	dcidLen := int(b[n])
	n++
	if len(b) < n+dcidLen {
		return 0, newError(FrameEncodingError, "truncated dcid")
	}
	p.header.dcid = b[n : n+dcidLen]
	n += dcidLen
	if len(b) < n+1 {
		return 0, newError(FrameEncodingError, "truncated scid length")
	}
	scidLen := int(b[n])
	n++
	if len(b) < n+scidLen {
		return 0, newError(FrameEncodingError, "truncated scid")
	}
	p.header.scid = b[n : n+scidLen]
	n += scidLen
	p.headerLen = n
	return n, nil
}

// decodeBody decodes the per-type trailing header fields that come after
// the CIDs (token, length, supported versions), and for short/long data
// packets the packet number. It returns the number of additional bytes
// consumed (not including what decodeHeader already consumed), and leaves
// p.headerLen pointing at the start of the (still encrypted) payload.
func (p *packet) decodeBody(b []byte) (int, error) {
	n := p.headerLen
	start := n
	switch p.typ {
	case packetTypeVersionNegotiation:
		for n+4 <= len(b) {
			p.supportedVersions = append(p.supportedVersions, binary.BigEndian.Uint32(b[n:n+4]))
			n += 4
		}
	case packetTypeRetry:
		// Rest of the packet is the token, trailed by a 16-byte integrity tag.
		if len(b)-n < retryIntegrityTagLen {
			return 0, newError(FrameEncodingError, "retry too short")
		}
		p.token = b[n : len(b)-retryIntegrityTagLen]
		n = len(b)
	case packetTypeInitial:
		var tokenLen uint64
		m := getVarint(b[n:], &tokenLen)
		if m == 0 {
			return 0, newError(FrameEncodingError, "truncated token length")
		}
		n += m
		if len(b) < n+int(tokenLen) {
			return 0, newError(FrameEncodingError, "truncated token")
		}
		p.token = b[n : n+int(tokenLen)]
		n += int(tokenLen)
		var payloadLen uint64
		m = getVarint(b[n:], &payloadLen)
		if m == 0 {
			return 0, newError(FrameEncodingError, "truncated length")
		}
		n += m
		p.payloadLen = int(payloadLen)
	case packetTypeZeroRTT, packetTypeHandshake:
		var payloadLen uint64
		m := getVarint(b[n:], &payloadLen)
		if m == 0 {
			return 0, newError(FrameEncodingError, "truncated length")
		}
		n += m
		p.payloadLen = int(payloadLen)
	}
	p.headerLen = n
	return n - start, nil
}

// encodedLen estimates the encoded header length (without crypto overhead)
// for the packet as currently populated, including the packet number but
// excluding the payload itself.
func (p *packet) encodedLen() int {
	n := 0
	switch p.typ {
	case packetTypeShort:
		n = 1 + len(p.header.dcid)
	default:
		n = 1 + 4 + 1 + len(p.header.dcid) + 1 + len(p.header.scid)
		switch p.typ {
		case packetTypeInitial:
			n += varintLen(uint64(len(p.token))) + len(p.token)
			n += 2 // Assume 2-byte length varint (payload fits in 14 bits almost always).
		case packetTypeHandshake, packetTypeZeroRTT:
			n += 2
		}
	}
	n += packetNumberLen(p.packetNumber)
	return n
}

func packetNumberLen(pn uint64) int {
	switch {
	case pn < 1<<8:
		return 1
	case pn < 1<<16:
		return 2
	case pn < 1<<24:
		return 3
	default:
		return 4
	}
}

// encode writes the packet header (without applying crypto) into b and
// returns the offset where the plaintext payload should be written.
func (p *packet) encode(b []byte) (int, error) {
	p.packetNumberLen = packetNumberLen(p.packetNumber)
	n := 0
	switch p.typ {
	case packetTypeShort:
		if len(b) < 1+len(p.header.dcid) {
			return 0, errShortBuffer
		}
		b[0] = 0x40 | (p.keyPhase&0x1)<<2 | byte(p.packetNumberLen-1)
		n = 1
		n += copy(b[n:], p.header.dcid)
	default:
		first := byte(0xc0)
		switch p.typ {
		case packetTypeInitial:
			first |= longHeaderTypeInitial << 4
		case packetTypeZeroRTT:
			first |= longHeaderTypeZeroRTT << 4
		case packetTypeHandshake:
			first |= longHeaderTypeHandshake << 4
		}
		first |= byte(p.packetNumberLen - 1)
		if len(b) < 7+len(p.header.dcid)+len(p.header.scid) {
			return 0, errShortBuffer
		}
		b[0] = first
		binary.BigEndian.PutUint32(b[1:5], p.header.version)
		n = 5
		b[n] = byte(len(p.header.dcid))
		n++
		n += copy(b[n:], p.header.dcid)
		b[n] = byte(len(p.header.scid))
		n++
		n += copy(b[n:], p.header.scid)
		if p.typ == packetTypeInitial {
			n += putVarint(b[n:], uint64(len(p.token)))
			n += copy(b[n:], p.token)
		}
		// Length: packet number + payload, always encoded on 2 bytes so the
		// final size can be patched without moving data, capped at 16383.
		lenOffset := n
		n += 2
		payloadAndPNLen := p.packetNumberLen + p.payloadLen
		if payloadAndPNLen > 16383 {
			return 0, newError(InternalError, "packet too large for 2-byte length")
		}
		b[lenOffset] = 0x40 | byte(payloadAndPNLen>>8)
		b[lenOffset+1] = byte(payloadAndPNLen)
	}
	if len(b) < n+p.packetNumberLen {
		return 0, errShortBuffer
	}
	putPacketNumber(b[n:n+p.packetNumberLen], p.packetNumber, p.packetNumberLen)
	n += p.packetNumberLen
	p.headerLen = n
	return n, nil
}

func putPacketNumber(b []byte, pn uint64, length int) {
	for i := length - 1; i >= 0; i-- {
		b[i] = byte(pn)
		pn >>= 8
	}
}

// decodePacketNumber recovers the full packet number from its truncated
// pnLen-byte encoding, given the largest packet number received so far in
// this space. https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#appendix-A.3
func decodePacketNumber(largestPN uint64, truncated uint64, pnLen int) uint64 {
	pnBits := uint(pnLen * 8)
	expected := largestPN + 1
	win := uint64(1) << pnBits
	halfWin := win / 2
	candidate := (expected &^ (win - 1)) | truncated
	switch {
	case expected >= halfWin && candidate <= expected-halfWin && candidate < (uint64(1)<<62)-win:
		return candidate + win
	case candidate > expected+halfWin && candidate >= win:
		return candidate - win
	default:
		return candidate
	}
}

// encodePacketNumberLen returns the minimum number of bytes pn can be
// truncated to so the receiver can recover it given largestAcked.
// https://quicwg.org/base-drafts/draft-ietf-quic-transport.html#appendix-A.2
func encodePacketNumberLen(pn, largestAcked uint64) int {
	numUnacked := pn - largestAcked
	if largestAcked == 0 && pn == 0 {
		return 1
	}
	minBits := 0
	for ; minBits < 62; minBits += 8 {
		if (uint64(1) << uint(minBits+8-1)) > numUnacked*2 {
			break
		}
	}
	n := minBits/8 + 1
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

func sprint(args ...interface{}) string {
	return fmtSprint(args...)
}
