package transport

// sendBuffer accumulates bytes an endpoint wants to send (application
// stream data or handshake CRYPTO data), tracks which byte ranges have been
// sent at least once, which are still outstanding for retransmission after
// a declared loss, and which have been acked.
//
// This is the §3 "CRYPTO / STREAM fragment" send-side model, shared between
// transport/crypto.go's cryptoStream and transport/stream.go's stream send
// half.
type sendBuffer struct {
	data []byte // Contiguous bytes starting at offset `base`.
	base uint64 // Absolute offset of data[0].
	off  uint64 // Next offset not yet sent for the first time.

	resend rangeSet // Absolute offset ranges that must be retransmitted.
	acked  rangeSet // Absolute offset ranges already acknowledged.

	hasFin   bool
	finOff   uint64
	finAcked bool
	finSent  bool
}

// write appends application-supplied bytes to the buffer.
func (s *sendBuffer) write(b []byte) {
	s.data = append(s.data, b...)
}

// setFin marks that no more bytes will be written; offset is the final
// size (== base+len(data) at the time FIN is requested).
func (s *sendBuffer) setFin(offset uint64) {
	s.hasFin = true
	s.finOff = offset
}

// pop returns up to max bytes to send next: lost data first (retransmit),
// then new data from the send cursor. It reports whether this chunk
// reaches the final offset (so the caller should set FIN).
func (s *sendBuffer) pop(max int) (data []byte, offset uint64, fin bool) {
	if max <= 0 {
		return nil, 0, false
	}
	if !s.resend.empty() {
		r := s.resend[0]
		end := r.End + 1
		if end-r.Start > uint64(max) {
			end = r.Start + uint64(max)
		}
		lo := r.Start - s.base
		hi := end - s.base
		if hi > uint64(len(s.data)) {
			hi = uint64(len(s.data))
		}
		if lo < hi {
			data = append([]byte(nil), s.data[lo:hi]...)
		}
		offset = r.Start
		s.trimResend(r.Start, r.Start+uint64(len(data)))
		fin = s.hasFin && offset+uint64(len(data)) == s.finOff
		return data, offset, fin
	}
	avail := s.base + uint64(len(s.data))
	if s.off >= avail {
		if s.hasFin && s.off == s.finOff && !s.finSent {
			s.finSent = true
			return nil, s.off, true
		}
		return nil, 0, false
	}
	n := uint64(max)
	if s.off+n > avail {
		n = avail - s.off
	}
	lo := s.off - s.base
	data = s.data[lo : lo+n]
	offset = s.off
	s.off += n
	fin = s.hasFin && s.off == s.finOff
	if fin {
		s.finSent = true
	}
	return data, offset, fin
}

// hasPending reports whether there is unsent or lost-and-unretransmitted
// data (including a not-yet-sent FIN) waiting to go out.
func (s *sendBuffer) hasPending() bool {
	if !s.resend.empty() {
		return true
	}
	if s.off < s.base+uint64(len(s.data)) {
		return true
	}
	if s.hasFin && !s.finSent {
		return true
	}
	return false
}

func (s *sendBuffer) trimResend(start, end uint64) {
	if len(s.resend) == 0 {
		return
	}
	if s.resend[0].Start == start {
		if end > s.resend[0].End {
			s.resend = s.resend[1:]
		} else if end == s.resend[0].End+1 {
			s.resend = s.resend[1:]
		} else {
			s.resend[0].Start = end
		}
	}
}

// ack records that [offset, offset+length) was acknowledged, and trims the
// buffer's acked prefix to bound memory.
func (s *sendBuffer) ack(offset, length uint64) {
	if length == 0 {
		if s.hasFin && offset == s.finOff {
			s.finAcked = true
		}
		return
	}
	s.acked.push(offset, offset+length-1)
	s.removeResendRange(offset, offset+length-1)
	if s.hasFin && offset+length == s.finOff {
		s.finAcked = true
	}
	// Advance base past any fully-acked contiguous prefix.
	for len(s.acked) > 0 && s.acked[0].Start <= s.base {
		if s.acked[0].End+1 <= s.base {
			s.acked = s.acked[1:]
			continue
		}
		newBase := s.acked[0].End + 1
		if newBase > s.base+uint64(len(s.data)) {
			newBase = s.base + uint64(len(s.data))
		}
		s.data = s.data[newBase-s.base:]
		s.base = newBase
		break
	}
}

// ackFin records that the FIN itself (possibly carried with zero-length
// data at offset finOff) has been acknowledged.
func (s *sendBuffer) ackFin() {
	s.finAcked = true
}

func (s *sendBuffer) removeResendRange(start, end uint64) {
	if len(s.resend) == 0 {
		return
	}
	out := s.resend[:0]
	for _, r := range s.resend {
		if r.End < start || r.Start > end {
			out = append(out, r)
			continue
		}
		if r.Start < start {
			out = append(out, rangeRange{r.Start, start - 1})
		}
		if r.End > end {
			out = append(out, rangeRange{end + 1, r.End})
		}
	}
	s.resend = out
}

// push re-queues previously sent bytes for retransmission after a declared
// loss (§4.3/4.4 "lost records' waiters become Lost; their senders
// retransmit").
func (s *sendBuffer) push(data []byte, offset uint64, fin bool) error {
	if len(data) == 0 && !fin {
		return nil
	}
	end := offset + uint64(len(data))
	if end > offset && !s.acked.containsRange(offset, end-1) {
		s.resend.push(offset, end-1)
	}
	if fin && !s.finAcked {
		s.finSent = false
	}
	return nil
}

// complete reports whether every byte up to and including FIN is acked.
func (s *sendBuffer) complete() bool {
	if !s.hasFin {
		return false
	}
	if s.finOff > 0 && !s.acked.containsRange(0, s.finOff-1) {
		return false
	}
	return s.finAcked || s.finOff == 0
}

// recvBuffer reassembles out-of-order CRYPTO/STREAM fragments into a
// contiguous, readable byte stream (§3 "Received fragments with offset >
// in-order cursor are queued and drained when the gap fills").
type recvBuffer struct {
	data   []byte // Contiguous assembled bytes starting at `base`.
	base   uint64 // Absolute offset of data[0] == the in-order receive cursor minus consumed.
	read   uint64 // Absolute offset of the next byte the reader hasn't consumed yet.

	pending []fragment // Out-of-order fragments waiting for the gap to close.

	hasFin bool
	finOff uint64
}

type fragment struct {
	offset uint64
	data   []byte
}

// push merges a newly received fragment into the buffer. Offsets below the
// current cursor that duplicate already-seen bytes are silently accepted
// (§7 "Duplicate/late frames... are silently tolerated").
func (r *recvBuffer) push(b []byte, offset uint64, fin bool) error {
	end := offset + uint64(len(b))
	if fin {
		if r.hasFin && r.finOff != end {
			return errFinalSize
		}
		if end < r.base+uint64(len(r.data)) {
			return errFinalSize
		}
		r.hasFin = true
		r.finOff = end
	} else if r.hasFin && end > r.finOff {
		return errFinalSize
	}
	if len(b) == 0 {
		r.drainPending()
		return nil
	}
	frontier := r.base + uint64(len(r.data))
	if offset > frontier {
		r.pending = append(r.pending, fragment{offset, append([]byte(nil), b...)})
		r.drainPending()
		return nil
	}
	if end <= frontier {
		// Entirely duplicate.
		r.drainPending()
		return nil
	}
	// Overlaps or extends the frontier: append the new tail.
	skip := frontier - offset
	r.data = append(r.data, b[skip:]...)
	r.drainPending()
	return nil
}

func (r *recvBuffer) drainPending() {
	progressed := true
	for progressed && len(r.pending) > 0 {
		progressed = false
		frontier := r.base + uint64(len(r.data))
		for i, f := range r.pending {
			end := f.offset + uint64(len(f.data))
			if f.offset > frontier {
				continue
			}
			if end <= frontier {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				progressed = true
				break
			}
			skip := frontier - f.offset
			r.data = append(r.data, f.data[skip:]...)
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			progressed = true
			break
		}
	}
}

// available returns the contiguous bytes the reader hasn't consumed yet.
func (r *recvBuffer) available() []byte {
	lo := r.read - r.base
	return r.data[lo:]
}

// advance marks n bytes as consumed by the reader and trims memory.
func (r *recvBuffer) advance(n int) {
	r.read += uint64(n)
	if r.read > r.base {
		trim := r.read - r.base
		if trim > uint64(len(r.data)) {
			trim = uint64(len(r.data))
		}
		r.data = r.data[trim:]
		r.base += trim
	}
}

// cursor returns the absolute offset of the contiguous in-order frontier
// (§8 testable property: "receive cursor equals sup{b : all prior bytes
// present}").
func (r *recvBuffer) cursor() uint64 {
	return r.base + uint64(len(r.data))
}

// finReached reports whether the reader has consumed every byte up to FIN.
func (r *recvBuffer) finReached() bool {
	return r.hasFin && r.read >= r.finOff
}

// sizeKnown reports whether a final size has been observed.
func (r *recvBuffer) sizeKnown() bool {
	return r.hasFin
}

// dataRecvd reports whether all bytes up to the final size have arrived
// (regardless of whether the application has read them yet).
func (r *recvBuffer) dataRecvd() bool {
	return r.hasFin && r.cursor() >= r.finOff
}
