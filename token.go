package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"time"
)

// tokenValidity bounds how long a retry/new-token value is accepted for,
// to limit the window an attacker-replayed token stays useful.
const tokenValidity = 10 * time.Second

var errTokenExpired = errors.New("quic: token expired")
var errTokenInvalid = errors.New("quic: token invalid")

// TokenValidator mints and checks the opaque retry/NEW_TOKEN tokens a
// HandlerMap uses for address validation (spec.md §4.8's validator
// plug-in point). The default is hmacTokenValidator; an embedder may
// supply its own (e.g. backed by shared storage across a server fleet).
type TokenValidator interface {
	Mint(addr net.Addr, odcid []byte) ([]byte, error)
	Validate(token []byte, addr net.Addr) (odcid []byte, err error)
}

// hmacTokenValidator implements TokenValidator with a self-contained,
// stateless HMAC-SHA256 token: timestamp || odcid, MAC-bound to the peer
// address and a server secret. There is nothing to persist across
// restarts or store centrally, at the cost of the token becoming invalid
// if the secret rotates.
type hmacTokenValidator struct {
	secret [32]byte
}

// newHMACTokenValidator seeds the HMAC secret from crypto/rand, which only
// fails if the OS entropy source is broken -- a condition nothing in this
// process could recover from anyway, so the error is not propagated.
func newHMACTokenValidator() *hmacTokenValidator {
	v := &hmacTokenValidator{}
	rand.Read(v.secret[:])
	return v
}

func (v *hmacTokenValidator) Mint(addr net.Addr, odcid []byte) ([]byte, error) {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(time.Now().UnixNano()))
	payload := append(ts, odcid...)
	mac := v.mac(payload, addr)
	return append(payload, mac...), nil
}

func (v *hmacTokenValidator) Validate(token []byte, addr net.Addr) ([]byte, error) {
	if len(token) < 8+sha256.Size {
		return nil, errTokenInvalid
	}
	macOffset := len(token) - sha256.Size
	payload := token[:macOffset]
	gotMAC := token[macOffset:]
	wantMAC := v.mac(payload, addr)
	if !hmac.Equal(gotMAC, wantMAC) {
		return nil, errTokenInvalid
	}
	ts := int64(binary.BigEndian.Uint64(payload[:8]))
	issued := time.Unix(0, ts)
	if time.Since(issued) > tokenValidity {
		return nil, errTokenExpired
	}
	odcid := append([]byte(nil), payload[8:]...)
	return odcid, nil
}

func (v *hmacTokenValidator) mac(payload []byte, addr net.Addr) []byte {
	h := hmac.New(sha256.New, v.secret[:])
	h.Write(payload)
	h.Write([]byte(addr.String()))
	return h.Sum(nil)
}
