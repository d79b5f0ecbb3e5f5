package transport

import (
	"io"
	"sort"
)

// isStreamLocal reports whether a stream ID was opened by this endpoint.
// RFC 9000 §2.1: bit 0 of the ID identifies the initiator (0=client).
func isStreamLocal(id uint64, isClient bool) bool {
	clientInitiated := id&0x1 == 0
	return clientInitiated == isClient
}

// isStreamBidi reports whether a stream ID is bidirectional (bit 1 clear).
func isStreamBidi(id uint64) bool {
	return id&0x2 == 0
}

// Stream is one QUIC stream's send and receive half. The zero value is not
// usable; streams are created through Conn.Stream or by receiving a frame
// that references a new peer-initiated stream ID.
type Stream struct {
	id    uint64
	local bool
	bidi  bool

	send sendBuffer
	recv recvBuffer

	flow          flowControl
	connFlow      *flowControl // Connection-wide flow control, shared with Conn.
	updateMaxData bool         // A MAX_STREAM_DATA update is pending transmission.
}

// ID returns the stream's identifier.
func (st *Stream) ID() uint64 {
	return st.id
}

// Write buffers b for sending on the stream. It never blocks on flow
// control; data in excess of what the peer currently allows is held until
// more credit arrives.
func (st *Stream) Write(b []byte) (int, error) {
	st.send.write(b)
	return len(b), nil
}

// Close marks the stream as finished: no more data will be written.
func (st *Stream) Close() error {
	st.send.setFin(st.send.base + uint64(len(st.send.data)))
	return nil
}

// Read copies received, in-order bytes into b. It returns io.EOF once the
// peer's FIN has been received and every byte up to it has been read.
func (st *Stream) Read(b []byte) (int, error) {
	avail := st.recv.available()
	if len(avail) == 0 {
		if st.recv.finReached() && st.recv.dataRecvd() {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(b, avail)
	st.recv.advance(n)
	return n, nil
}

func (st *Stream) pushRecv(data []byte, offset uint64, fin bool) error {
	return st.recv.push(data, offset, fin)
}

// popSend returns up to max bytes to place in the next STREAM frame,
// bounded by this stream's own flow-control allowance.
func (st *Stream) popSend(max int) (data []byte, offset uint64, fin bool) {
	allowed := int(st.flow.canSend())
	if max > allowed {
		max = allowed
	}
	if max <= 0 {
		return nil, 0, false
	}
	return st.send.pop(max)
}

func (st *Stream) ackMaxData() {
	st.updateMaxData = false
}

// terminal reports whether both halves of the stream have reached a state
// from which neither data nor control frames referencing them will be sent
// or expected again (RFC 9000 §3 "Putting it together": a stream's
// resources can be freed once its send and receive state machines are both
// in a terminal state). A send-only or receive-only stream is judged on
// the half it actually has.
func (st *Stream) terminal() bool {
	sendDone := !st.bidi && !st.local || st.send.complete()
	recvDone := !st.bidi && st.local || st.recv.finReached()
	return sendDone && recvDone
}

// streamMap owns every stream known to a Conn and enforces the peer's and
// our own MAX_STREAMS limits (§4.5 "stream counts are bounded the same
// way byte offsets are: a granted limit the initiator must not exceed").
type streamMap struct {
	streams map[uint64]*Stream

	localMaxStreamsBidi uint64 // Limit we have advertised for peer-initiated bidi streams.
	localMaxStreamsUni  uint64
	peerMaxStreamsBidi  uint64 // Limit the peer has advertised for our streams.
	peerMaxStreamsUni   uint64

	localCountBidi uint64 // Bidi streams we have opened.
	localCountUni  uint64
	peerCountBidi  uint64 // Bidi streams the peer has opened.
	peerCountUni   uint64

	maxStreamsBidiNext   uint64 // Limit to advertise next, once committed.
	maxStreamsUniNext    uint64
	streamsBidiStep      uint64 // Step size used to grow maxStreamsBidiNext.
	streamsUniStep       uint64
	updateMaxStreamsBidi bool // A MAX_STREAMS(bidi) update is pending transmission.
	updateMaxStreamsUni  bool

	lastSentStream uint64 // ID of the stream flushable last favored, for round-robin fairness.
}

func (m *streamMap) init(maxStreamsBidi, maxStreamsUni uint64) {
	m.streams = make(map[uint64]*Stream)
	m.localMaxStreamsBidi = maxStreamsBidi
	m.localMaxStreamsUni = maxStreamsUni
	m.maxStreamsBidiNext = maxStreamsBidi
	m.maxStreamsUniNext = maxStreamsUni
	m.streamsBidiStep = maxStreamsBidi
	m.streamsUniStep = maxStreamsUni
}

// shouldUpdateMaxStreamsBidi reports whether a MAX_STREAMS(bidi) frame
// advertising maxStreamsBidiNext is due.
func (m *streamMap) shouldUpdateMaxStreamsBidi() bool {
	return m.maxStreamsBidiNext > m.localMaxStreamsBidi
}

func (m *streamMap) shouldUpdateMaxStreamsUni() bool {
	return m.maxStreamsUniNext > m.localMaxStreamsUni
}

// commitMaxStreamsBidi records that maxStreamsBidiNext was just sent.
func (m *streamMap) commitMaxStreamsBidi() {
	m.localMaxStreamsBidi = m.maxStreamsBidiNext
}

func (m *streamMap) commitMaxStreamsUni() {
	m.localMaxStreamsUni = m.maxStreamsUniNext
}

// forceUpdateMaxStreamsBidi schedules an immediate MAX_STREAMS(bidi) update
// bypassing the half-limit auto-tune threshold in create, mirroring
// flowControl.forceUpdateMaxRecv for a peer that reports itself
// STREAMS_BLOCKED at the current limit.
func (m *streamMap) forceUpdateMaxStreamsBidi() {
	if m.maxStreamsBidiNext <= m.localMaxStreamsBidi {
		m.maxStreamsBidiNext = m.localMaxStreamsBidi + m.streamsBidiStep
	}
}

func (m *streamMap) forceUpdateMaxStreamsUni() {
	if m.maxStreamsUniNext <= m.localMaxStreamsUni {
		m.maxStreamsUniNext = m.localMaxStreamsUni + m.streamsUniStep
	}
}

func (m *streamMap) setPeerMaxStreamsBidi(max uint64) {
	if max > m.peerMaxStreamsBidi {
		m.peerMaxStreamsBidi = max
	}
}

func (m *streamMap) setPeerMaxStreamsUni(max uint64) {
	if max > m.peerMaxStreamsUni {
		m.peerMaxStreamsUni = max
	}
}

func (m *streamMap) get(id uint64) *Stream {
	return m.streams[id]
}

func (m *streamMap) create(id uint64, local, bidi bool) (*Stream, error) {
	if local {
		if bidi {
			if m.localCountBidi >= m.peerMaxStreamsBidi {
				return nil, newError(StreamLimitError, sprint("bidi stream limit ", m.peerMaxStreamsBidi))
			}
			m.localCountBidi++
		} else {
			if m.localCountUni >= m.peerMaxStreamsUni {
				return nil, newError(StreamLimitError, sprint("uni stream limit ", m.peerMaxStreamsUni))
			}
			m.localCountUni++
		}
	} else {
		if bidi {
			if m.peerCountBidi >= m.localMaxStreamsBidi {
				return nil, newError(StreamLimitError, sprint("bidi stream limit ", m.localMaxStreamsBidi))
			}
			m.peerCountBidi++
			if m.streamsBidiStep > 0 && m.peerCountBidi*2 >= m.maxStreamsBidiNext {
				m.maxStreamsBidiNext = m.peerCountBidi + m.streamsBidiStep
			}
		} else {
			if m.peerCountUni >= m.localMaxStreamsUni {
				return nil, newError(StreamLimitError, sprint("uni stream limit ", m.localMaxStreamsUni))
			}
			m.peerCountUni++
			if m.streamsUniStep > 0 && m.peerCountUni*2 >= m.maxStreamsUniNext {
				m.maxStreamsUniNext = m.peerCountUni + m.streamsUniStep
			}
		}
	}
	st := &Stream{id: id, local: local, bidi: bidi}
	m.streams[id] = st
	return st, nil
}

// remove drops a stream whose resources are no longer needed (see
// Stream.terminal). The peer- and self-imposed stream-count limits are
// unaffected: those bound streams ever opened, not streams currently live.
func (m *streamMap) remove(id uint64) {
	delete(m.streams, id)
}

// hasFlushable reports whether any stream has data or a FIN ready to send.
func (m *streamMap) hasFlushable() bool {
	for _, st := range m.streams {
		if st.send.hasPending() {
			return true
		}
	}
	return false
}

// flushable returns every stream with pending send data or an unset FIN,
// ordered so the stream following the one that sent last in the previous
// packet goes first. Go's map iteration order is unspecified and gives no
// fairness guarantee across calls, so a packet that isn't large enough for
// every stream could keep favoring the same ones; round-robin by ID spreads
// a congestion-limited send budget evenly instead.
func (m *streamMap) flushable() []*Stream {
	ids := make([]uint64, 0, len(m.streams))
	for id, st := range m.streams {
		if st.send.hasPending() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	start := 0
	for i, id := range ids {
		if id > m.lastSentStream {
			start = i
			break
		}
		start = len(ids)
	}
	ordered := make([]*Stream, 0, len(ids))
	for i := 0; i < len(ids); i++ {
		id := ids[(start+i)%len(ids)]
		ordered = append(ordered, m.streams[id])
	}
	return ordered
}
