package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"hash"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// quicSaltV1 is the version-1 initial salt. RFC 9001 §5.2.
var quicSaltV1 = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3,
	0x4d, 0x17, 0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad,
	0xcc, 0xbb, 0x7f, 0x0a,
}

// Retry integrity key/nonce, version 1. RFC 9001 §5.8.
var (
	retryIntegrityKeyV1   = []byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonceV1 = []byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

const retryIntegrityTagLen = 16

func hkdfExtract(h func() hash.Hash, secret, salt []byte) []byte {
	return hkdf.Extract(h, secret, salt)
}

// hkdfExpandLabel implements the TLS 1.3 HKDF-Expand-Label construction
// used for all of the QUIC-specific derivations. RFC 8446 §7.1, RFC 9001.
func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, fullLabel...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	out := make([]byte, length)
	r := hkdf.Expand(h, secret, info)
	if _, err := r.Read(out); err != nil {
		panic("transport: hkdf expand failed: " + err.Error())
	}
	return out
}

func hashForSuite(suite uint16) func() hash.Hash {
	switch suite {
	case tls.TLS_AES_256_GCM_SHA384:
		return sha512.New384
	default: // TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256
		return sha256.New
	}
}

func hashLenForSuite(suite uint16) int {
	if suite == tls.TLS_AES_256_GCM_SHA384 {
		return 48
	}
	return 32
}

// keyLengthsForSuite returns (aead key length, hp key length); IV is always
// 12 bytes for the QUIC v1 AEAD suites.
func keyLengthsForSuite(suite uint16) (keyLen, hpLen int) {
	switch suite {
	case tls.TLS_AES_256_GCM_SHA384:
		return 32, 32
	default:
		return 16, 16
	}
}

// directionKeys is one direction's (read or write) derived key material for
// one encryption level: the AEAD, its fixed IV, and the header-protection
// mask generator.
type directionKeys struct {
	aead cipher.AEAD
	iv   []byte
	hp   headerProtector
}

func newDirectionKeys(suite uint16, secret []byte) (directionKeys, error) {
	h := hashForSuite(suite)
	keyLen, hpLen := keyLengthsForSuite(suite)
	key := hkdfExpandLabel(h, secret, "quic key", nil, keyLen)
	iv := hkdfExpandLabel(h, secret, "quic iv", nil, 12)
	hpKey := hkdfExpandLabel(h, secret, "quic hp", nil, hpLen)
	aead, err := newAEAD(suite, key)
	if err != nil {
		return directionKeys{}, err
	}
	hp, err := newHeaderProtector(suite, hpKey)
	if err != nil {
		return directionKeys{}, err
	}
	return directionKeys{aead: aead, iv: iv, hp: hp}, nil
}

func newAEAD(suite uint16, key []byte) (cipher.AEAD, error) {
	switch suite {
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return chacha20poly1305.New(key)
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, newError(InternalError, err.Error())
		}
		return cipher.NewGCM(block)
	default:
		return nil, newError(InternalError, "unsupported cipher suite")
	}
}

func (k *directionKeys) nonce(pn uint64) []byte {
	n := make([]byte, len(k.iv))
	copy(n, k.iv)
	var pnb [8]byte
	binary.BigEndian.PutUint64(pnb[:], pn)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= pnb[i]
	}
	return n
}

// seal encrypts plaintext in place conceptually, appending the result
// (ciphertext+tag) to dst.
func (k *directionKeys) seal(dst, ad, plaintext []byte, pn uint64) []byte {
	return k.aead.Seal(dst, k.nonce(pn), plaintext, ad)
}

// open authenticates and decrypts ciphertext (which includes the trailing
// tag), appending the plaintext to dst.
func (k *directionKeys) open(dst, ad, ciphertext []byte, pn uint64) ([]byte, error) {
	out, err := k.aead.Open(dst, k.nonce(pn), ciphertext, ad)
	if err != nil {
		return nil, newError(InternalError, "aead open failed")
	}
	return out, nil
}

// hpSampleLen is the fixed ciphertext sample size used for header
// protection by every QUIC v1 cipher suite. RFC 9001 §5.4.
const hpSampleLen = 16

// headerProtector produces the 5-byte header-protection mask from a
// 16-byte ciphertext sample. RFC 9001 §5.4.
type headerProtector interface {
	mask(sample []byte) [5]byte
}

type aesHeaderProtector struct {
	block cipher.Block
}

func (h *aesHeaderProtector) mask(sample []byte) [5]byte {
	var out [16]byte
	h.block.Encrypt(out[:], sample)
	var m [5]byte
	copy(m[:], out[:5])
	return m
}

type chachaHeaderProtector struct {
	key []byte
}

func (h *chachaHeaderProtector) mask(sample []byte) [5]byte {
	counter := binary.LittleEndian.Uint32(sample[:4])
	nonce := sample[4:16]
	c, err := chacha20.NewUnauthenticatedCipher(h.key, nonce)
	if err != nil {
		return [5]byte{}
	}
	c.SetCounter(counter)
	var zero, out [5]byte
	c.XORKeyStream(out[:], zero[:])
	return out
}

func newHeaderProtector(suite uint16, hpKey []byte) (headerProtector, error) {
	switch suite {
	case tls.TLS_CHACHA20_POLY1305_SHA256:
		return &chachaHeaderProtector{key: hpKey}, nil
	case tls.TLS_AES_128_GCM_SHA256, tls.TLS_AES_256_GCM_SHA384:
		block, err := aes.NewCipher(hpKey)
		if err != nil {
			return nil, newError(InternalError, err.Error())
		}
		return &aesHeaderProtector{block: block}, nil
	default:
		return nil, newError(InternalError, "unsupported cipher suite")
	}
}

// initialAEAD derives the version-1 Initial keys for both directions from
// the client's chosen Destination CID. RFC 9001 §5.2, Appendix A.1/A.2.
type initialAEAD struct {
	client directionKeys
	server directionKeys
}

const initialCipherSuite = tls.TLS_AES_128_GCM_SHA256

func (a *initialAEAD) init(dcid []byte) error {
	initialSecret := hkdfExtract(sha256.New, dcid, quicSaltV1)
	clientSecret := hkdfExpandLabel(sha256.New, initialSecret, "client in", nil, 32)
	serverSecret := hkdfExpandLabel(sha256.New, initialSecret, "server in", nil, 32)
	var err error
	a.client, err = newDirectionKeys(initialCipherSuite, clientSecret)
	if err != nil {
		return err
	}
	a.server, err = newDirectionKeys(initialCipherSuite, serverSecret)
	return err
}

// verifyRetryIntegrity checks the 16-byte integrity tag trailing a Retry
// packet against the version-1 pseudo-packet construction.
// RFC 9001 §5.8. Open question (spec.md §9): only version 1 is implemented;
// any other version is rejected rather than guessed at.
func verifyRetryIntegrity(pkt []byte, odcid []byte) bool {
	if len(pkt) < 5 || binary.BigEndian.Uint32(pkt[1:5]) != ProtocolVersion1 {
		return false
	}
	if len(pkt) < retryIntegrityTagLen {
		return false
	}
	body := pkt[:len(pkt)-retryIntegrityTagLen]
	gotTag := pkt[len(pkt)-retryIntegrityTagLen:]
	pseudo := make([]byte, 0, 1+len(odcid)+len(body))
	pseudo = append(pseudo, byte(len(odcid)))
	pseudo = append(pseudo, odcid...)
	pseudo = append(pseudo, body...)
	aead, err := newAEAD(tls.TLS_AES_128_GCM_SHA256, retryIntegrityKeyV1)
	if err != nil {
		return false
	}
	tag := aead.Seal(nil, retryIntegrityNonceV1, nil, pseudo)
	return subtleConstantTimeCompare(tag, gotTag)
}

func sealRetryIntegrityTag(pseudo []byte) ([]byte, error) {
	aead, err := newAEAD(tls.TLS_AES_128_GCM_SHA256, retryIntegrityKeyV1)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, retryIntegrityNonceV1, nil, pseudo), nil
}

func subtleConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// keyUpdateSecret derives the next Application secret. RFC 9001 §6.
func keyUpdateSecret(suite uint16, old []byte) []byte {
	return hkdfExpandLabel(hashForSuite(suite), old, "quic ku", nil, hashLenForSuite(suite))
}

// cryptoStream is the CRYPTO-frame fragment queue for one encryption
// level: outbound handshake bytes awaiting transmission/ack, and inbound
// bytes being reassembled before being handed to TLS.
type cryptoStream struct {
	send sendBuffer
	recv recvBuffer
}

// pushRecv merges a received CRYPTO fragment into the reassembly buffer;
// drainRecv then hands the contiguous bytes to the caller to feed into TLS.
func (c *cryptoStream) pushRecv(b []byte, offset uint64, fin bool) error {
	return c.recv.push(b, offset, fin)
}

// drainRecv returns all currently available unread bytes and advances the
// read cursor past them.
func (c *cryptoStream) drainRecv() []byte {
	b := c.recv.available()
	if len(b) == 0 {
		return nil
	}
	out := append([]byte(nil), b...)
	c.recv.advance(len(out))
	return out
}

// popSend returns up to max bytes of handshake data to place in the next
// CRYPTO frame.
func (c *cryptoStream) popSend(max int) (data []byte, offset uint64, fin bool) {
	return c.send.pop(max)
}

func newQUICTLSLevel(level encryptionLevel) tls.QUICEncryptionLevel {
	switch level {
	case encryptionLevelInitial:
		return tls.QUICEncryptionLevelInitial
	case encryptionLevelEarlyData:
		return tls.QUICEncryptionLevelEarly
	case encryptionLevelHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func encryptionLevelFromQUICTLS(level tls.QUICEncryptionLevel) encryptionLevel {
	switch level {
	case tls.QUICEncryptionLevelInitial:
		return encryptionLevelInitial
	case tls.QUICEncryptionLevelEarly:
		return encryptionLevelEarlyData
	case tls.QUICEncryptionLevelHandshake:
		return encryptionLevelHandshake
	default:
		return encryptionLevelApplication
	}
}

func levelToSpace(level encryptionLevel) packetSpace {
	switch level {
	case encryptionLevelInitial:
		return packetSpaceInitial
	case encryptionLevelHandshake:
		return packetSpaceHandshake
	default:
		return packetSpaceApplication
	}
}

// tlsHandshake drives the QUIC handshake via the standard library's
// crypto/tls QUIC support (Go 1.21+), which is exactly the narrow black-box
// interface spec.md §6 "TLS interface consumed" describes: handshake IO in
// terms of per-level byte streams, exported secrets with a cipher
// identity, and a completion signal. There is no third-party TLS stack in
// the retrieval pack to ground this on instead; crypto/tls's QUICConn API
// is the ecosystem-idiomatic (in fact the only stdlib-native) way to get
// exactly this shape in Go.
type tlsHandshake struct {
	conn      *Conn
	tlsConfig *tls.Config
	quicConn  *tls.QUICConn
	started    bool
	complete   bool
	peerParams *Parameters
}

func (h *tlsHandshake) init(c *Conn, tlsConfig *tls.Config) {
	h.conn = c
	h.tlsConfig = tlsConfig
}

func (h *tlsHandshake) setTransportParams(p *Parameters) {
	if h.quicConn == nil {
		h.start()
	}
	h.quicConn.SetTransportParameters(p.marshal())
}

func (h *tlsHandshake) start() {
	qc := &tls.QUICConfig{TLSConfig: h.tlsConfig}
	if h.conn.isClient {
		h.quicConn = tls.QUICClient(qc)
	} else {
		h.quicConn = tls.QUICServer(qc)
	}
	h.quicConn.Start(context.Background())
	h.started = true
}

func (h *tlsHandshake) reset() {
	if h.quicConn != nil {
		h.quicConn.Close()
	}
	h.quicConn = nil
	h.started = false
	h.complete = false
}

// doHandshake pumps queued CRYPTO data through TLS and processes resulting
// events (new secrets, outbound handshake bytes, completion).
func (h *tlsHandshake) doHandshake() error {
	if !h.started {
		h.start()
	}
	for level := packetSpaceInitial; level < packetSpaceCount; level++ {
		data := h.conn.packetNumberSpaces[level].cryptoStream.drainRecv()
		if len(data) > 0 {
			if err := h.quicConn.HandleData(spaceToQUICTLSLevel(level), data); err != nil {
				return h.translateErr(err)
			}
		}
	}
	for {
		e := h.quicConn.NextEvent()
		switch e.Kind {
		case tls.QUICNoEvent:
			return nil
		case tls.QUICSetReadSecret:
			if err := h.installSecret(e.Level, e.Suite, e.Data, false); err != nil {
				return err
			}
		case tls.QUICSetWriteSecret:
			if err := h.installSecret(e.Level, e.Suite, e.Data, true); err != nil {
				return err
			}
		case tls.QUICWriteData:
			space := levelToSpace(encryptionLevelFromQUICTLS(e.Level))
			h.conn.packetNumberSpaces[space].cryptoStream.send.write(e.Data)
		case tls.QUICTransportParameters:
			p := &Parameters{}
			if err := p.unmarshal(e.Data); err != nil {
				return newError(TransportParameterError, err.Error())
			}
			h.peerParams = p
		case tls.QUICHandshakeDone:
			h.complete = true
		case tls.QUICTransportParametersRequired:
			h.quicConn.SetTransportParameters(h.conn.localParams.marshal())
		}
	}
}

func spaceToQUICTLSLevel(space packetSpace) tls.QUICEncryptionLevel {
	switch space {
	case packetSpaceInitial:
		return tls.QUICEncryptionLevelInitial
	case packetSpaceHandshake:
		return tls.QUICEncryptionLevelHandshake
	default:
		return tls.QUICEncryptionLevelApplication
	}
}

func (h *tlsHandshake) installSecret(level tls.QUICEncryptionLevel, suite uint16, secret []byte, write bool) error {
	el := encryptionLevelFromQUICTLS(level)
	space := levelToSpace(el)
	keys, err := newDirectionKeys(suite, secret)
	if err != nil {
		return err
	}
	pnSpace := &h.conn.packetNumberSpaces[space]
	if write {
		pnSpace.sealer = keys
		pnSpace.sealerSuite = suite
		pnSpace.sealerSecret = secret
		pnSpace.sealerReady = true
	} else {
		pnSpace.opener = keys
		pnSpace.openerSuite = suite
		pnSpace.openerSecret = secret
		pnSpace.openerReady = true
	}
	return nil
}

func (h *tlsHandshake) translateErr(err error) error {
	var ae tls.AlertError
	if errors.As(err, &ae) {
		return newCryptoError(uint8(ae))
	}
	return newError(InternalError, err.Error())
}

// HandshakeComplete reports whether the TLS handshake has finished.
func (h *tlsHandshake) HandshakeComplete() bool {
	return h.complete
}

func (h *tlsHandshake) peerTransportParams() *Parameters {
	return h.peerParams
}

// writeSpace picks the packet-number space to use for a probe or a closing
// CONNECTION_CLOSE: the highest space whose keys are installed.
func (h *tlsHandshake) writeSpace() packetSpace {
	for i := packetSpaceCount - 1; i >= packetSpaceInitial; i-- {
		if h.conn.packetNumberSpaces[i].canEncrypt() {
			return i
		}
	}
	return packetSpaceInitial
}
