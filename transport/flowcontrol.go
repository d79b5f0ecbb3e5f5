package transport

// flowControl tracks one flow-controlled byte counter (connection-wide
// data or a single stream's data) in both directions: how much the peer
// has granted this endpoint to send, and how much this endpoint has
// granted the peer to receive.
//
// The receive side auto-tunes: maxRecvNext grows in recvWindow-sized steps
// once the peer has used half of the currently advertised limit, so a
// MAX_DATA/MAX_STREAM_DATA update goes out before the peer actually stalls.
type flowControl struct {
	maxRecv     uint64 // Limit last advertised to the peer.
	maxRecvNext uint64 // Limit to advertise next, once committed.
	recvWindow  uint64 // Step size used to grow maxRecvNext.
	usedRecv    uint64 // Bytes received so far.

	maxSend  uint64 // Limit granted by the peer.
	usedSend uint64 // Bytes sent so far.
}

func (f *flowControl) init(maxRecv, maxSend uint64) {
	f.maxRecv = maxRecv
	f.maxRecvNext = maxRecv
	f.recvWindow = maxRecv
	f.maxSend = maxSend
}

// canRecv returns how many more bytes the peer is currently allowed to
// send before hitting our advertised limit.
func (f *flowControl) canRecv() uint64 {
	if f.usedRecv >= f.maxRecv {
		return 0
	}
	return f.maxRecv - f.usedRecv
}

func (f *flowControl) addRecv(n int) {
	f.usedRecv += uint64(n)
	if f.recvWindow > 0 && f.usedRecv*2 >= f.maxRecvNext {
		f.maxRecvNext = f.usedRecv + f.recvWindow
	}
}

// shouldUpdateMaxRecv reports whether a MAX_DATA/MAX_STREAM_DATA frame
// advertising maxRecvNext is due.
func (f *flowControl) shouldUpdateMaxRecv() bool {
	return f.maxRecvNext > f.maxRecv
}

// commitMaxRecv records that maxRecvNext was just sent to the peer.
func (f *flowControl) commitMaxRecv() {
	f.maxRecv = f.maxRecvNext
}

// forceUpdateMaxRecv schedules an immediate MAX_DATA/MAX_STREAM_DATA update
// advertising the same window again, bypassing the half-window auto-tune
// threshold in addRecv. A peer that already reports itself blocked at the
// current limit has no reason to wait for usedRecv to climb any further.
func (f *flowControl) forceUpdateMaxRecv() {
	if f.maxRecvNext <= f.maxRecv {
		f.maxRecvNext = f.maxRecv + f.recvWindow
	}
}

func (f *flowControl) setMaxSend(max uint64) {
	if max > f.maxSend {
		f.maxSend = max
	}
}

// canSend returns how many more bytes this endpoint may send before
// hitting the peer's advertised limit.
func (f *flowControl) canSend() uint64 {
	if f.usedSend >= f.maxSend {
		return 0
	}
	return f.maxSend - f.usedSend
}

func (f *flowControl) addSend(n int) {
	f.usedSend += uint64(n)
}
