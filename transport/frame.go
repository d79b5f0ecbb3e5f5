package transport

// Frame type codes. RFC 9000 §19, plus the NEW_CONNECTION_ID family and the
// path-validation pair this package also implements.
const (
	frameTypePadding             uint64 = 0x00
	frameTypePing                uint64 = 0x01
	frameTypeAck                 uint64 = 0x02
	frameTypeAckECN              uint64 = 0x03
	frameTypeResetStream         uint64 = 0x04
	frameTypeStopSending         uint64 = 0x05
	frameTypeCrypto              uint64 = 0x06
	frameTypeNewToken            uint64 = 0x07
	frameTypeStream              uint64 = 0x08
	frameTypeStreamEnd           uint64 = 0x0f
	frameTypeMaxData             uint64 = 0x10
	frameTypeMaxStreamData       uint64 = 0x11
	frameTypeMaxStreamsBidi      uint64 = 0x12
	frameTypeMaxStreamsUni       uint64 = 0x13
	frameTypeDataBlocked         uint64 = 0x14
	frameTypeStreamDataBlocked   uint64 = 0x15
	frameTypeStreamsBlockedBidi  uint64 = 0x16
	frameTypeStreamsBlockedUni   uint64 = 0x17
	frameTypeNewConnectionID     uint64 = 0x18
	frameTypeRetireConnectionID  uint64 = 0x19
	frameTypePathChallenge       uint64 = 0x1a
	frameTypePathResponse        uint64 = 0x1b
	frameTypeConnectionClose     uint64 = 0x1c
	frameTypeApplicationClose    uint64 = 0x1d
	frameTypeHanshakeDone        uint64 = 0x1e
)

// isFrameAckEliciting reports whether receiving a frame of this type
// requires the receiver to eventually send an ACK (RFC 9000 §13.2:
// everything except ACK, PADDING and CONNECTION_CLOSE).
func isFrameAckEliciting(typ uint64) bool {
	switch typ {
	case frameTypePadding, frameTypeAck, frameTypeAckECN,
		frameTypeConnectionClose, frameTypeApplicationClose:
		return false
	default:
		return true
	}
}

// frame is implemented by every decoded/encoded QUIC frame. This is the
// package's one sum-type surface (§9 "sum types over polymorphism"): the
// interface only exists so outgoingPacket and the dispatch tables in
// conn.go can hold a heterogeneous list, not to invite new implementations
// from outside the package.
type frame interface {
	encodedLen() int
	encode(b []byte) (int, error)
	String() string
}

func encodeFrames(b []byte, frames []frame) (int, error) {
	n := 0
	for _, f := range frames {
		m, err := f.encode(b[n:])
		if err != nil {
			return 0, err
		}
		n += m
	}
	return n, nil
}

// PADDING

type paddingFrame struct {
	length int
}

func newPaddingFrame(length int) *paddingFrame {
	return &paddingFrame{length: length}
}

func (f *paddingFrame) encodedLen() int { return f.length }

func (f *paddingFrame) encode(b []byte) (int, error) {
	if len(b) < f.length {
		return 0, errShortBuffer
	}
	for i := 0; i < f.length; i++ {
		b[i] = 0
	}
	return f.length, nil
}

func (f *paddingFrame) decode(b []byte) (int, error) {
	n := 0
	for n < len(b) && b[n] == 0 {
		n++
	}
	f.length = n
	if n == 0 {
		n = 1
	}
	return n, nil
}

func (f *paddingFrame) String() string { return sprint("padding len=", f.length) }

// PING

type pingFrame struct{}

func (f *pingFrame) encodedLen() int { return 1 }

func (f *pingFrame) encode(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, errShortBuffer
	}
	return putVarint(b, frameTypePing), nil
}

func (f *pingFrame) decode(b []byte) (int, error) {
	var typ uint64
	return getVarint(b, &typ), nil
}

func (f *pingFrame) String() string { return "ping" }

// ACK

type ackRange struct {
	gap    uint64
	length uint64
}

type ackFrame struct {
	largestAck    uint64
	ackDelay      uint64
	firstAckRange uint64
	ranges        []ackRange // Additional (gap, length) pairs in descending-PN wire order.
}

// newAckFrame builds an ACK frame reporting every packet number in recv,
// which must be non-empty.
func newAckFrame(ackDelay uint64, recv rangeSet) *ackFrame {
	f := &ackFrame{ackDelay: ackDelay}
	if len(recv) == 0 {
		return f
	}
	last := recv[len(recv)-1]
	f.largestAck = last.End
	f.firstAckRange = last.End - last.Start
	prevStart := last.Start
	for i := len(recv) - 2; i >= 0; i-- {
		r := recv[i]
		gap := prevStart - r.End - 2
		length := r.End - r.Start
		f.ranges = append(f.ranges, ackRange{gap: gap, length: length})
		prevStart = r.Start
	}
	return f
}

// toRangeSet reconstructs the set of packet numbers this frame
// acknowledges, or nil if the frame's range fields are inconsistent.
func (f *ackFrame) toRangeSet() rangeSet {
	if f.firstAckRange > f.largestAck {
		return nil
	}
	var s rangeSet
	start := f.largestAck - f.firstAckRange
	s.push(start, f.largestAck)
	for _, r := range f.ranges {
		if r.gap+2 > start {
			return nil
		}
		end := start - r.gap - 2
		if r.length > end {
			return nil
		}
		rstart := end - r.length
		s.push(rstart, end)
		start = rstart
	}
	return s
}

func (f *ackFrame) encodedLen() int {
	n := varintLen(frameTypeAck) + varintLen(f.largestAck) + varintLen(f.ackDelay)
	n += varintLen(uint64(len(f.ranges))) + varintLen(f.firstAckRange)
	for _, r := range f.ranges {
		n += varintLen(r.gap) + varintLen(r.length)
	}
	return n
}

func (f *ackFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeAck)
	n += putVarint(b[n:], f.largestAck)
	n += putVarint(b[n:], f.ackDelay)
	n += putVarint(b[n:], uint64(len(f.ranges)))
	n += putVarint(b[n:], f.firstAckRange)
	for _, r := range f.ranges {
		n += putVarint(b[n:], r.gap)
		n += putVarint(b[n:], r.length)
	}
	return n, nil
}

func (f *ackFrame) decode(b []byte) (int, error) {
	n := skipVarint(b) // frame type
	var largestAck, ackDelay, rangeCount, firstAckRange uint64
	m := getVarint(b[n:], &largestAck)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &ackDelay)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &rangeCount)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &firstAckRange)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	f.largestAck = largestAck
	f.ackDelay = ackDelay
	f.firstAckRange = firstAckRange
	f.ranges = f.ranges[:0]
	for i := uint64(0); i < rangeCount; i++ {
		var gap, length uint64
		m = getVarint(b[n:], &gap)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
		f.ranges = append(f.ranges, ackRange{gap: gap, length: length})
	}
	return n, nil
}

func (f *ackFrame) String() string {
	return sprint("ack largest=", f.largestAck, " delay=", f.ackDelay, " first_range=", f.firstAckRange, " ranges=", len(f.ranges))
}

// RESET_STREAM

type resetStreamFrame struct {
	streamID  uint64
	errorCode uint64
	finalSize uint64
}

func newResetStreamFrame(streamID, errorCode, finalSize uint64) *resetStreamFrame {
	return &resetStreamFrame{streamID: streamID, errorCode: errorCode, finalSize: finalSize}
}

func (f *resetStreamFrame) encodedLen() int {
	return varintLen(frameTypeResetStream) + varintLen(f.streamID) + varintLen(f.errorCode) + varintLen(f.finalSize)
}

func (f *resetStreamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeResetStream)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	n += putVarint(b[n:], f.finalSize)
	return n, nil
}

func (f *resetStreamFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.errorCode)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.finalSize)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	return n, nil
}

func (f *resetStreamFrame) String() string {
	return sprint("reset_stream id=", f.streamID, " error=", f.errorCode, " final_size=", f.finalSize)
}

// STOP_SENDING

type stopSendingFrame struct {
	streamID  uint64
	errorCode uint64
}

func newStopSendingFrame(streamID, errorCode uint64) *stopSendingFrame {
	return &stopSendingFrame{streamID: streamID, errorCode: errorCode}
}

func (f *stopSendingFrame) encodedLen() int {
	return varintLen(frameTypeStopSending) + varintLen(f.streamID) + varintLen(f.errorCode)
}

func (f *stopSendingFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeStopSending)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.errorCode)
	return n, nil
}

func (f *stopSendingFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.errorCode)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	return n, nil
}

func (f *stopSendingFrame) String() string {
	return sprint("stop_sending id=", f.streamID, " error=", f.errorCode)
}

// CRYPTO

type cryptoFrame struct {
	offset uint64
	data   []byte
}

func newCryptoFrame(data []byte, offset uint64) *cryptoFrame {
	return &cryptoFrame{data: data, offset: offset}
}

func (f *cryptoFrame) encodedLen() int {
	return varintLen(frameTypeCrypto) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *cryptoFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeCrypto)
	n += putVarint(b[n:], f.offset)
	n += putVarint(b[n:], uint64(len(f.data)))
	n += copy(b[n:], f.data)
	return n, nil
}

func (f *cryptoFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.offset)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	var length uint64
	m = getVarint(b[n:], &length)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, errShortBuffer
	}
	f.data = b[n : n+int(length)]
	n += int(length)
	return n, nil
}

func (f *cryptoFrame) String() string {
	return sprint("crypto offset=", f.offset, " len=", len(f.data))
}

// NEW_TOKEN

type newTokenFrame struct {
	token []byte
}

func newNewTokenFrame(token []byte) *newTokenFrame {
	return &newTokenFrame{token: token}
}

func (f *newTokenFrame) encodedLen() int {
	return varintLen(frameTypeNewToken) + varintLen(uint64(len(f.token))) + len(f.token)
}

func (f *newTokenFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeNewToken)
	n += putVarint(b[n:], uint64(len(f.token)))
	n += copy(b[n:], f.token)
	return n, nil
}

func (f *newTokenFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	var length uint64
	m := getVarint(b[n:], &length)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, errShortBuffer
	}
	f.token = b[n : n+int(length)]
	n += int(length)
	return n, nil
}

func (f *newTokenFrame) String() string { return sprint("new_token len=", len(f.token)) }

// STREAM

type streamFrame struct {
	streamID uint64
	offset   uint64
	data     []byte
	fin      bool
}

func newStreamFrame(streamID uint64, data []byte, offset uint64, fin bool) *streamFrame {
	return &streamFrame{streamID: streamID, data: data, offset: offset, fin: fin}
}

// streamFrameType returns the concrete frame type byte given which of the
// optional OFF/LEN/FIN bits are present; this package always sets OFF and
// LEN so a receiver need not infer length from packet boundaries.
func (f *streamFrame) streamFrameType() uint64 {
	typ := frameTypeStream | 0x02 | 0x04 // OFF and LEN bits
	if f.fin {
		typ |= 0x01
	}
	return typ
}

func (f *streamFrame) encodedLen() int {
	return varintLen(f.streamFrameType()) + varintLen(f.streamID) + varintLen(f.offset) + varintLen(uint64(len(f.data))) + len(f.data)
}

func (f *streamFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, f.streamFrameType())
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.offset)
	n += putVarint(b[n:], uint64(len(f.data)))
	n += copy(b[n:], f.data)
	return n, nil
}

func (f *streamFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, errShortBuffer
	}
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	f.offset = 0
	if typ&0x04 != 0 {
		m = getVarint(b[n:], &f.offset)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	var length uint64
	if typ&0x02 != 0 {
		m = getVarint(b[n:], &length)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	} else {
		length = uint64(len(b) - n)
	}
	if uint64(len(b)-n) < length {
		return 0, errShortBuffer
	}
	f.data = b[n : n+int(length)]
	n += int(length)
	f.fin = typ&0x01 != 0
	return n, nil
}

func (f *streamFrame) String() string {
	return sprint("stream id=", f.streamID, " offset=", f.offset, " len=", len(f.data), " fin=", f.fin)
}

// MAX_DATA

type maxDataFrame struct {
	maximumData uint64
}

func newMaxDataFrame(max uint64) *maxDataFrame {
	return &maxDataFrame{maximumData: max}
}

func (f *maxDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxData) + varintLen(f.maximumData)
}

func (f *maxDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeMaxData)
	n += putVarint(b[n:], f.maximumData)
	return n, nil
}

func (f *maxDataFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.maximumData)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *maxDataFrame) String() string { return sprint("max_data max=", f.maximumData) }

// MAX_STREAM_DATA

type maxStreamDataFrame struct {
	streamID    uint64
	maximumData uint64
}

func newMaxStreamDataFrame(streamID, max uint64) *maxStreamDataFrame {
	return &maxStreamDataFrame{streamID: streamID, maximumData: max}
}

func (f *maxStreamDataFrame) encodedLen() int {
	return varintLen(frameTypeMaxStreamData) + varintLen(f.streamID) + varintLen(f.maximumData)
}

func (f *maxStreamDataFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeMaxStreamData)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.maximumData)
	return n, nil
}

func (f *maxStreamDataFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.maximumData)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *maxStreamDataFrame) String() string {
	return sprint("max_stream_data id=", f.streamID, " max=", f.maximumData)
}

// MAX_STREAMS

type maxStreamsFrame struct {
	maximumStreams uint64
	bidi           bool
}

func newMaxStreamsFrame(max uint64, bidi bool) *maxStreamsFrame {
	return &maxStreamsFrame{maximumStreams: max, bidi: bidi}
}

func (f *maxStreamsFrame) typ() uint64 {
	if f.bidi {
		return frameTypeMaxStreamsBidi
	}
	return frameTypeMaxStreamsUni
}

func (f *maxStreamsFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.maximumStreams)
}

func (f *maxStreamsFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, f.typ())
	n += putVarint(b[n:], f.maximumStreams)
	return n, nil
}

func (f *maxStreamsFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, errShortBuffer
	}
	f.bidi = typ == frameTypeMaxStreamsBidi
	m := getVarint(b[n:], &f.maximumStreams)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *maxStreamsFrame) String() string {
	return sprint("max_streams bidi=", f.bidi, " max=", f.maximumStreams)
}

// DATA_BLOCKED

type dataBlockedFrame struct {
	dataLimit uint64
}

func newDataBlockedFrame(limit uint64) *dataBlockedFrame {
	return &dataBlockedFrame{dataLimit: limit}
}

func (f *dataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeDataBlocked) + varintLen(f.dataLimit)
}

func (f *dataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeDataBlocked)
	n += putVarint(b[n:], f.dataLimit)
	return n, nil
}

func (f *dataBlockedFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.dataLimit)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *dataBlockedFrame) String() string { return sprint("data_blocked limit=", f.dataLimit) }

// STREAM_DATA_BLOCKED

type streamDataBlockedFrame struct {
	streamID  uint64
	dataLimit uint64
}

func newStreamDataBlockedFrame(streamID, limit uint64) *streamDataBlockedFrame {
	return &streamDataBlockedFrame{streamID: streamID, dataLimit: limit}
}

func (f *streamDataBlockedFrame) encodedLen() int {
	return varintLen(frameTypeStreamDataBlocked) + varintLen(f.streamID) + varintLen(f.dataLimit)
}

func (f *streamDataBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeStreamDataBlocked)
	n += putVarint(b[n:], f.streamID)
	n += putVarint(b[n:], f.dataLimit)
	return n, nil
}

func (f *streamDataBlockedFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.streamID)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.dataLimit)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *streamDataBlockedFrame) String() string {
	return sprint("stream_data_blocked id=", f.streamID, " limit=", f.dataLimit)
}

// STREAMS_BLOCKED

type streamsBlockedFrame struct {
	streamLimit uint64
	bidi        bool
}

func newStreamsBlockedFrame(limit uint64, bidi bool) *streamsBlockedFrame {
	return &streamsBlockedFrame{streamLimit: limit, bidi: bidi}
}

func (f *streamsBlockedFrame) typ() uint64 {
	if f.bidi {
		return frameTypeStreamsBlockedBidi
	}
	return frameTypeStreamsBlockedUni
}

func (f *streamsBlockedFrame) encodedLen() int {
	return varintLen(f.typ()) + varintLen(f.streamLimit)
}

func (f *streamsBlockedFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, f.typ())
	n += putVarint(b[n:], f.streamLimit)
	return n, nil
}

func (f *streamsBlockedFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, errShortBuffer
	}
	f.bidi = typ == frameTypeStreamsBlockedBidi
	m := getVarint(b[n:], &f.streamLimit)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *streamsBlockedFrame) String() string {
	return sprint("streams_blocked bidi=", f.bidi, " limit=", f.streamLimit)
}

// NEW_CONNECTION_ID

type newConnectionIDFrame struct {
	sequenceNumber      uint64
	retirePriorTo       uint64
	connectionID        []byte
	statelessResetToken [16]byte
}

func newNewConnectionIDFrame(seq, retirePriorTo uint64, cid []byte, token [16]byte) *newConnectionIDFrame {
	return &newConnectionIDFrame{sequenceNumber: seq, retirePriorTo: retirePriorTo, connectionID: cid, statelessResetToken: token}
}

func (f *newConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeNewConnectionID) + varintLen(f.sequenceNumber) + varintLen(f.retirePriorTo) + 1 + len(f.connectionID) + 16
}

func (f *newConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeNewConnectionID)
	n += putVarint(b[n:], f.sequenceNumber)
	n += putVarint(b[n:], f.retirePriorTo)
	b[n] = byte(len(f.connectionID))
	n++
	n += copy(b[n:], f.connectionID)
	n += copy(b[n:], f.statelessResetToken[:])
	return n, nil
}

func (f *newConnectionIDFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.sequenceNumber)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	m = getVarint(b[n:], &f.retirePriorTo)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if len(b) < n+1 {
		return 0, errShortBuffer
	}
	cidLen := int(b[n])
	n++
	if len(b) < n+cidLen+16 {
		return 0, errShortBuffer
	}
	f.connectionID = append([]byte(nil), b[n:n+cidLen]...)
	n += cidLen
	copy(f.statelessResetToken[:], b[n:n+16])
	n += 16
	return n, nil
}

func (f *newConnectionIDFrame) String() string {
	return sprint("new_connection_id seq=", f.sequenceNumber, " retire_prior_to=", f.retirePriorTo, " cid=", hexString(f.connectionID))
}

// RETIRE_CONNECTION_ID

type retireConnectionIDFrame struct {
	sequenceNumber uint64
}

func newRetireConnectionIDFrame(seq uint64) *retireConnectionIDFrame {
	return &retireConnectionIDFrame{sequenceNumber: seq}
}

func (f *retireConnectionIDFrame) encodedLen() int {
	return varintLen(frameTypeRetireConnectionID) + varintLen(f.sequenceNumber)
}

func (f *retireConnectionIDFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypeRetireConnectionID)
	n += putVarint(b[n:], f.sequenceNumber)
	return n, nil
}

func (f *retireConnectionIDFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	m := getVarint(b[n:], &f.sequenceNumber)
	if m == 0 {
		return 0, errShortBuffer
	}
	return n + m, nil
}

func (f *retireConnectionIDFrame) String() string {
	return sprint("retire_connection_id seq=", f.sequenceNumber)
}

// PATH_CHALLENGE / PATH_RESPONSE

type pathChallengeFrame struct {
	data [8]byte
}

func newPathChallengeFrame(data [8]byte) *pathChallengeFrame {
	return &pathChallengeFrame{data: data}
}

func (f *pathChallengeFrame) encodedLen() int { return varintLen(frameTypePathChallenge) + 8 }

func (f *pathChallengeFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypePathChallenge)
	n += copy(b[n:], f.data[:])
	return n, nil
}

func (f *pathChallengeFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	if len(b) < n+8 {
		return 0, errShortBuffer
	}
	copy(f.data[:], b[n:n+8])
	return n + 8, nil
}

func (f *pathChallengeFrame) String() string {
	return sprint("path_challenge data=", hexString(f.data[:]))
}

type pathResponseFrame struct {
	data [8]byte
}

func newPathResponseFrame(data [8]byte) *pathResponseFrame {
	return &pathResponseFrame{data: data}
}

func (f *pathResponseFrame) encodedLen() int { return varintLen(frameTypePathResponse) + 8 }

func (f *pathResponseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, frameTypePathResponse)
	n += copy(b[n:], f.data[:])
	return n, nil
}

func (f *pathResponseFrame) decode(b []byte) (int, error) {
	n := skipVarint(b)
	if len(b) < n+8 {
		return 0, errShortBuffer
	}
	copy(f.data[:], b[n:n+8])
	return n + 8, nil
}

func (f *pathResponseFrame) String() string {
	return sprint("path_response data=", hexString(f.data[:]))
}

// CONNECTION_CLOSE

type connectionCloseFrame struct {
	application  bool
	errorCode    uint64
	frameType    uint64 // Only meaningful for the transport-level variant.
	reasonPhrase []byte
}

func newConnectionCloseFrame(errorCode uint64, frameType uint64, reason []byte, application bool) *connectionCloseFrame {
	return &connectionCloseFrame{application: application, errorCode: errorCode, frameType: frameType, reasonPhrase: reason}
}

func (f *connectionCloseFrame) typ() uint64 {
	if f.application {
		return frameTypeApplicationClose
	}
	return frameTypeConnectionClose
}

func (f *connectionCloseFrame) encodedLen() int {
	n := varintLen(f.typ()) + varintLen(f.errorCode)
	if !f.application {
		n += varintLen(f.frameType)
	}
	n += varintLen(uint64(len(f.reasonPhrase))) + len(f.reasonPhrase)
	return n
}

func (f *connectionCloseFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	n := putVarint(b, f.typ())
	n += putVarint(b[n:], f.errorCode)
	if !f.application {
		n += putVarint(b[n:], f.frameType)
	}
	n += putVarint(b[n:], uint64(len(f.reasonPhrase)))
	n += copy(b[n:], f.reasonPhrase)
	return n, nil
}

func (f *connectionCloseFrame) decode(b []byte) (int, error) {
	var typ uint64
	n := getVarint(b, &typ)
	if n == 0 {
		return 0, errShortBuffer
	}
	f.application = typ == frameTypeApplicationClose
	m := getVarint(b[n:], &f.errorCode)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if !f.application {
		m = getVarint(b[n:], &f.frameType)
		if m == 0 {
			return 0, errShortBuffer
		}
		n += m
	}
	var length uint64
	m = getVarint(b[n:], &length)
	if m == 0 {
		return 0, errShortBuffer
	}
	n += m
	if uint64(len(b)-n) < length {
		return 0, errShortBuffer
	}
	f.reasonPhrase = append([]byte(nil), b[n:n+int(length)]...)
	n += int(length)
	return n, nil
}

func (f *connectionCloseFrame) String() string {
	return sprint("connection_close app=", f.application, " error=", errorCodeString(f.errorCode), " reason=", string(f.reasonPhrase))
}

// HANDSHAKE_DONE

type handshakeDoneFrame struct{}

func (f *handshakeDoneFrame) encodedLen() int { return varintLen(frameTypeHanshakeDone) }

func (f *handshakeDoneFrame) encode(b []byte) (int, error) {
	if len(b) < f.encodedLen() {
		return 0, errShortBuffer
	}
	return putVarint(b, frameTypeHanshakeDone), nil
}

func (f *handshakeDoneFrame) decode(b []byte) (int, error) {
	return skipVarint(b), nil
}

func (f *handshakeDoneFrame) String() string { return "handshake_done" }
