package transport

import "time"

const (
	kPacketThreshold   = 3
	kTimeThreshold     = 9.0 / 8.0
	kGranularity       = time.Millisecond
	kInitialRTT        = 333 * time.Millisecond
	maxPTOBackoff      = 6 // Cap exponential PTO backoff well below overflow.
)

// outgoingPacket records everything about one sent packet that loss
// recovery needs: when it was sent, how large it was, and the frames it
// carried so a declared loss can push their payloads back onto the
// relevant send queues (§5 "the ack-handle WAIT/ACKED/LOST lifecycle").
type outgoingPacket struct {
	packetNumber uint64
	timeSent     time.Time
	size         uint64
	frames       []frame
	ackEliciting bool
}

func newOutgoingPacket(pn uint64, now time.Time) *outgoingPacket {
	return &outgoingPacket{packetNumber: pn, timeSent: now}
}

func (op *outgoingPacket) addFrame(f frame) {
	op.frames = append(op.frames, f)
	if frameIsAckEliciting(f) {
		op.ackEliciting = true
	}
}

func frameIsAckEliciting(f frame) bool {
	switch f.(type) {
	case *paddingFrame, *ackFrame, *connectionCloseFrame:
		return false
	default:
		return true
	}
}

// lossRecovery implements RFC 9002 loss detection and congestion control
// for the three packet-number spaces of one connection: per-space sent
// packet ledgers, RTT estimation, the probe-timeout timer, and the
// callbacks conn.go uses to retransmit lost frames and release acked ones.
type lossRecovery struct {
	sent  [packetSpaceCount]map[uint64]*outgoingPacket
	acked [packetSpaceCount][]frame
	lost  [packetSpaceCount][]frame

	largestAcked  [packetSpaceCount]uint64
	hasLargestAck [packetSpaceCount]bool
	lossTime      [packetSpaceCount]time.Time

	bytesInFlight uint64
	congestion    congestionController

	minRTT      time.Duration
	latestRTT   time.Duration
	smoothedRTT time.Duration
	rttVar      time.Duration
	maxAckDelay time.Duration

	ptoCount            int
	probes              int
	lossDetectionTimer  time.Time
}

func (r *lossRecovery) init(now time.Time) {
	for i := range r.sent {
		r.sent[i] = make(map[uint64]*outgoingPacket)
	}
	r.smoothedRTT = kInitialRTT
	r.rttVar = kInitialRTT / 2
	r.congestion = newCongestionController()
}

func (r *lossRecovery) probeTimeout() time.Duration {
	pto := r.smoothedRTT + maxDuration(4*r.rttVar, kGranularity) + r.maxAckDelay
	backoff := time.Duration(1) << minInt(r.ptoCount, maxPTOBackoff)
	return pto * backoff
}

func (r *lossRecovery) onPacketSent(op *outgoingPacket, space packetSpace) {
	r.sent[space][op.packetNumber] = op
	if op.ackEliciting {
		r.bytesInFlight += op.size
		r.congestion.onPacketSent(op.size)
		r.setLossDetectionTimer()
	}
}

// onAckReceived processes a newly received ACK: it retires acknowledged
// packets into r.acked[space] for drainAcked to hand back to conn.go, and
// declares earlier outstanding packets lost per the packet- and
// time-threshold rules.
func (r *lossRecovery) onAckReceived(ranges rangeSet, ackDelay time.Duration, space packetSpace, now time.Time) {
	largest, ok := ranges.largest()
	if !ok {
		return
	}
	if !r.hasLargestAck[space] || largest > r.largestAcked[space] {
		r.largestAcked[space] = largest
		r.hasLargestAck[space] = true
	}
	var newlyAcked []*outgoingPacket
	for pn, op := range r.sent[space] {
		if ranges.contains(pn) {
			newlyAcked = append(newlyAcked, op)
			delete(r.sent[space], pn)
			if op.ackEliciting && r.bytesInFlight >= op.size {
				r.bytesInFlight -= op.size
			}
			r.acked[space] = append(r.acked[space], op.frames...)
		}
	}
	if len(newlyAcked) == 0 {
		return
	}
	// RTT sample from the largest newly-acked packet, if it was the
	// largest acknowledged overall and is ack-eliciting.
	var latest *outgoingPacket
	for _, op := range newlyAcked {
		if op.packetNumber == largest {
			latest = op
			break
		}
	}
	if latest != nil && latest.ackEliciting {
		r.updateRTT(now.Sub(latest.timeSent), ackDelay)
	}
	r.congestion.onPacketsAcked(newlyAcked)
	r.detectLostPackets(space, now)
	r.ptoCount = 0
	r.setLossDetectionTimer()
}

func (r *lossRecovery) updateRTT(latest, ackDelay time.Duration) {
	r.latestRTT = latest
	if r.minRTT == 0 || latest < r.minRTT {
		r.minRTT = latest
	}
	adjusted := latest
	if ackDelay > r.maxAckDelay {
		ackDelay = r.maxAckDelay
	}
	if latest >= r.minRTT+ackDelay {
		adjusted = latest - ackDelay
	}
	if r.smoothedRTT == 0 {
		r.smoothedRTT = adjusted
		r.rttVar = adjusted / 2
		return
	}
	diff := r.smoothedRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttVar = (3*r.rttVar + diff) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
}

// detectLostPackets declares packets below the largest acked as lost once
// they are either kPacketThreshold behind or have been outstanding longer
// than the time threshold, per RFC 9002 §6.1.
func (r *lossRecovery) detectLostPackets(space packetSpace, now time.Time) {
	if !r.hasLargestAck[space] {
		return
	}
	lossDelay := time.Duration(float64(maxDuration(r.latestRTT, r.smoothedRTT)) * kTimeThreshold)
	if lossDelay < kGranularity {
		lossDelay = kGranularity
	}
	lossTime := now.Add(-lossDelay)
	r.lossTime[space] = time.Time{}
	var lostPackets []*outgoingPacket
	for pn, op := range r.sent[space] {
		if pn > r.largestAcked[space] {
			continue
		}
		if r.largestAcked[space]-pn >= kPacketThreshold || op.timeSent.Before(lossTime) || op.timeSent.Equal(lossTime) {
			lostPackets = append(lostPackets, op)
			delete(r.sent[space], pn)
			if op.ackEliciting && r.bytesInFlight >= op.size {
				r.bytesInFlight -= op.size
			}
			r.lost[space] = append(r.lost[space], op.frames...)
		} else {
			packetLossTime := op.timeSent.Add(lossDelay)
			if r.lossTime[space].IsZero() || packetLossTime.Before(r.lossTime[space]) {
				r.lossTime[space] = packetLossTime
			}
		}
	}
	if len(lostPackets) > 0 {
		r.congestion.onPacketsLost(now, lostPackets)
	}
}

// drainAcked hands every frame carried by a just-acknowledged packet in
// space to fn, then clears the queue.
func (r *lossRecovery) drainAcked(space packetSpace, fn func(frame)) {
	for _, f := range r.acked[space] {
		fn(f)
	}
	r.acked[space] = r.acked[space][:0]
}

// drainLost hands every frame carried by a just-declared-lost packet in
// space to fn, then clears the queue.
func (r *lossRecovery) drainLost(space packetSpace, fn func(frame)) {
	for _, f := range r.lost[space] {
		fn(f)
	}
	r.lost[space] = r.lost[space][:0]
}

// dropUnackedData discards all outstanding state for space, used when a
// packet-number space is abandoned (handshake progression, Retry).
func (r *lossRecovery) dropUnackedData(space packetSpace) {
	for _, op := range r.sent[space] {
		if op.ackEliciting && r.bytesInFlight >= op.size {
			r.bytesInFlight -= op.size
		}
	}
	r.sent[space] = make(map[uint64]*outgoingPacket)
	r.acked[space] = nil
	r.lost[space] = nil
	r.lossTime[space] = time.Time{}
	r.setLossDetectionTimer()
}

func (r *lossRecovery) setLossDetectionTimer() {
	earliestLoss := time.Time{}
	for _, t := range r.lossTime {
		if t.IsZero() {
			continue
		}
		if earliestLoss.IsZero() || t.Before(earliestLoss) {
			earliestLoss = t
		}
	}
	if !earliestLoss.IsZero() {
		r.lossDetectionTimer = earliestLoss
		return
	}
	if r.bytesInFlight == 0 {
		r.lossDetectionTimer = time.Time{}
		return
	}
	var lastSent time.Time
	for i := range r.sent {
		for _, op := range r.sent[i] {
			if op.ackEliciting && op.timeSent.After(lastSent) {
				lastSent = op.timeSent
			}
		}
	}
	if lastSent.IsZero() {
		r.lossDetectionTimer = time.Time{}
		return
	}
	r.lossDetectionTimer = lastSent.Add(r.probeTimeout())
}

// onLossDetectionTimeout fires when the loss-detection/PTO timer expires:
// either a time-threshold loss declaration, or a probe timeout that
// schedules up to two PING-bearing probe packets.
func (r *lossRecovery) onLossDetectionTimeout(now time.Time) {
	if r.lossDetectionTimer.IsZero() || now.Before(r.lossDetectionTimer) {
		return
	}
	for space := packetSpaceInitial; space < packetSpaceCount; space++ {
		if !r.lossTime[space].IsZero() && !now.Before(r.lossTime[space]) {
			r.detectLostPackets(space, now)
			r.setLossDetectionTimer()
			return
		}
	}
	r.ptoCount++
	r.probes += 2
	r.lossDetectionTimer = time.Time{}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
