package transport

import "time"

// packetNumberSpace holds everything that is specific to one of the three
// packet-number spaces (Initial, Handshake, Application): the keys
// currently installed for each direction, the CRYPTO stream carried in
// that space, the next packet number this endpoint will use, and enough
// received-packet bookkeeping to build ACK frames (§4.4).
//
// The sent-packet ledger used for loss detection lives in lossRecovery
// instead, indexed by the same packetSpace, since RTT/PTO state is
// connection-wide rather than per-space.
type packetNumberSpace struct {
	opener directionKeys
	sealer directionKeys

	openerSuite, sealerSuite   uint16
	openerSecret, sealerSecret []byte

	openerReady bool
	sealerReady bool
	discarded   bool

	keyPhase       uint8  // current 1-RTT key_phase bit this space's packets use/expect
	keyUpdateCount uint64 // epochs rotated so far; distinguishes a second update from the first

	cryptoStream cryptoStream

	nextPacketNumber uint64

	recvPN rangeSet // every packet number successfully decrypted in this space

	recvPacketNeedAck     rangeSet
	ackElicited           bool
	firstPacketAcked      bool
	largestRecvPacketTime time.Time
}

func (s *packetNumberSpace) init() {
	*s = packetNumberSpace{}
}

// reset discards keys and any buffered crypto/ack state, used when a space
// is abandoned (§4.2 "packet-number space discard") or a retry invalidates
// Initial keys derived from the wrong connection ID.
func (s *packetNumberSpace) reset() {
	s.opener = directionKeys{}
	s.sealer = directionKeys{}
	s.openerSuite, s.sealerSuite = 0, 0
	s.openerSecret, s.sealerSecret = nil, nil
	s.openerReady, s.sealerReady = false, false
	s.keyPhase = 0
	s.keyUpdateCount = 0
	s.cryptoStream = cryptoStream{}
	s.nextPacketNumber = 0
	s.recvPN = nil
	s.recvPacketNeedAck = nil
	s.ackElicited = false
	s.firstPacketAcked = false
}

// drop discards keys and ack state but keeps the space marked discarded so
// late-arriving packets in this space are dropped rather than buffered.
func (s *packetNumberSpace) drop() {
	s.reset()
	s.discarded = true
}

func (s *packetNumberSpace) canEncrypt() bool {
	return !s.discarded && s.sealerReady
}

func (s *packetNumberSpace) canDecrypt() bool {
	return !s.discarded && s.openerReady
}

// ready reports whether this space has unsent work: a pending ACK or
// buffered CRYPTO data. Stream data readiness is tracked separately by the
// connection's stream map and only applies to the Application space.
func (s *packetNumberSpace) ready() bool {
	if s.discarded {
		return false
	}
	return s.ackElicited || s.cryptoStream.send.hasPending()
}

// rotateKeys derives the next Application secret for both directions
// (RFC 9001 §6 key update) and flips the wire key_phase bit. keyUpdateCount
// tracks the epoch so a second update is distinguishable from the first
// even though the 1-bit wire phase wraps.
func (s *packetNumberSpace) rotateKeys() error {
	nextOpenerSecret := keyUpdateSecret(s.openerSuite, s.openerSecret)
	nextOpener, err := newDirectionKeys(s.openerSuite, nextOpenerSecret)
	if err != nil {
		return err
	}
	nextSealerSecret := keyUpdateSecret(s.sealerSuite, s.sealerSecret)
	nextSealer, err := newDirectionKeys(s.sealerSuite, nextSealerSecret)
	if err != nil {
		return err
	}
	s.opener, s.openerSecret = nextOpener, nextOpenerSecret
	s.sealer, s.sealerSecret = nextSealer, nextSealerSecret
	s.keyPhase ^= 1
	s.keyUpdateCount++
	return nil
}

func (s *packetNumberSpace) isPacketReceived(pn uint64) bool {
	return s.recvPN.contains(pn)
}

func (s *packetNumberSpace) onPacketReceived(pn uint64, now time.Time) {
	s.recvPN.push(pn, pn)
	s.recvPacketNeedAck.push(pn, pn)
	if largest, ok := s.recvPN.largest(); ok && pn == largest {
		s.largestRecvPacketTime = now
	}
}

// decryptPacket removes header protection from the packet whose header was
// already parsed into p by packet.decodeHeader, determines the full packet
// number, and AEAD-opens the payload in place. It returns the decrypted
// payload slice and the total number of bytes of b consumed by the packet.
func (s *packetNumberSpace) decryptPacket(b []byte, p *packet) ([]byte, int, error) {
	if !s.canDecrypt() {
		return nil, 0, newError(InternalError, "packet number space has no read keys")
	}
	hp := s.opener.hp
	pnOffset := p.headerLen
	if len(b) < pnOffset+4+hpSampleLen {
		return nil, 0, errShortBuffer
	}
	sample := b[pnOffset+4 : pnOffset+4+hpSampleLen]
	mask := hp.mask(sample)
	if p.isLongHeader() {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	pnLen := int(b[0]&0x03) + 1
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	var truncated uint64
	for i := 0; i < pnLen; i++ {
		truncated = truncated<<8 | uint64(b[pnOffset+i])
	}
	largestAcked, _ := s.recvPN.largest()
	pn := decodePacketNumber(largestAcked, truncated, pnLen)
	p.packetNumber = pn
	p.packetNumberLen = pnLen

	headerEnd := pnOffset + pnLen
	payloadEnd := len(b)
	if p.isLongHeader() {
		payloadEnd = p.headerLen + int(p.payloadLen)
	}
	if payloadEnd > len(b) {
		return nil, 0, errShortBuffer
	}
	aad := b[:headerEnd]
	ciphertext := b[headerEnd:payloadEnd]

	// A short-header packet whose key_phase bit (already unmasked into
	// b[0]) disagrees with our current phase is either reordered traffic
	// from before a local update, or the start of a peer-initiated one.
	// RFC 9001 §6.3: only commit to the new keys once they successfully
	// open the packet.
	if !p.isLongHeader() {
		peerPhase := (b[0] >> 2) & 0x1
		if peerPhase != s.keyPhase {
			if plaintext, ok := s.tryKeyUpdate(aad, ciphertext, pn, peerPhase); ok {
				return plaintext, payloadEnd, nil
			}
		}
	}
	plaintext, err := s.opener.open(nil, aad, ciphertext, pn)
	if err != nil {
		return nil, 0, err
	}
	return plaintext, payloadEnd, nil
}

// tryKeyUpdate attempts to open ciphertext with the next epoch's read key.
// On success it commits both directions to the new epoch and reports ok.
func (s *packetNumberSpace) tryKeyUpdate(aad, ciphertext []byte, pn uint64, peerPhase uint8) (plaintext []byte, ok bool) {
	nextOpenerSecret := keyUpdateSecret(s.openerSuite, s.openerSecret)
	nextOpener, err := newDirectionKeys(s.openerSuite, nextOpenerSecret)
	if err != nil {
		return nil, false
	}
	plaintext, err = nextOpener.open(nil, aad, ciphertext, pn)
	if err != nil {
		return nil, false
	}
	nextSealerSecret := keyUpdateSecret(s.sealerSuite, s.sealerSecret)
	if nextSealer, err := newDirectionKeys(s.sealerSuite, nextSealerSecret); err == nil {
		s.sealer, s.sealerSecret = nextSealer, nextSealerSecret
	}
	s.opener, s.openerSecret = nextOpener, nextOpenerSecret
	s.keyPhase = peerPhase
	s.keyUpdateCount++
	return plaintext, true
}

// encryptPacket applies AEAD sealing and then header protection to a
// packet already serialized into b[:n] by packet.encode, where the
// trailing overhead bytes after the plaintext payload are reserved for the
// authentication tag.
func (s *packetNumberSpace) encryptPacket(b []byte, p *packet) error {
	if !s.canEncrypt() {
		return newError(InternalError, "packet number space has no write keys")
	}
	pnOffset := p.headerLen
	pnLen := p.packetNumberLen
	headerEnd := pnOffset + pnLen
	aad := b[:headerEnd]
	plaintext := b[headerEnd : len(b)-s.sealer.aead.Overhead()]
	sealed := s.sealer.seal(nil, aad, plaintext, p.packetNumber)
	copy(b[headerEnd:], sealed)

	hp := s.sealer.hp
	sampleOffset := pnOffset + 4
	if sampleOffset+hpSampleLen > len(b) {
		return errShortBuffer
	}
	sample := b[sampleOffset : sampleOffset+hpSampleLen]
	mask := hp.mask(sample)
	if p.isLongHeader() {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}
