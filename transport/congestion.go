package transport

import "time"

// congestionController paces how many bytes may be in flight at once.
// lossRecovery drives it from packet-sent/acked/lost events; New Reno
// (RFC 9002 §7) is the only implementation, but kept behind an interface
// so an embedder can swap in another algorithm without touching
// lossRecovery itself.
type congestionController interface {
	onPacketSent(size uint64)
	onPacketsAcked(acked []*outgoingPacket)
	onPacketsLost(sentTime time.Time, lost []*outgoingPacket)
	onPersistentCongestion()
	canSend(bytesInFlight uint64) bool
	cwnd() uint64
}

const (
	minimumWindow           = 2 * maxDatagramSize
	initialWindowPackets    = 10
	maxDatagramSize         = 1200
	lossReductionFactor     = 0.5
)

// newRenoCongestion is the RFC 9002 §7.2/7.3 New Reno controller: additive
// increase while in congestion avoidance, multiplicative decrease on loss,
// with a slow-start phase until the first congestion event.
type newRenoCongestion struct {
	congestionWindow    uint64
	slowStartThreshold  uint64
	bytesAcked          uint64
	recoveryStartTime   time.Time
	inRecovery          bool
}

func newCongestionController() congestionController {
	return &newRenoCongestion{
		congestionWindow:   initialWindowPackets * maxDatagramSize,
		slowStartThreshold: ^uint64(0),
	}
}

func (c *newRenoCongestion) cwnd() uint64 {
	return c.congestionWindow
}

func (c *newRenoCongestion) canSend(bytesInFlight uint64) bool {
	return bytesInFlight < c.congestionWindow
}

func (c *newRenoCongestion) onPacketSent(size uint64) {
	// Byte accounting for bytesInFlight lives in lossRecovery; nothing to
	// do here beyond what cwnd already bounds at send time.
}

func (c *newRenoCongestion) inSlowStart() bool {
	return c.congestionWindow < c.slowStartThreshold
}

func (c *newRenoCongestion) onPacketsAcked(acked []*outgoingPacket) {
	for _, p := range acked {
		c.onPacketAcked(p)
	}
}

func (c *newRenoCongestion) onPacketAcked(p *outgoingPacket) {
	if c.inRecoveryPeriod(p.timeSent) {
		return
	}
	if c.inSlowStart() {
		c.congestionWindow += p.size
		return
	}
	c.bytesAcked += p.size
	if c.bytesAcked >= c.congestionWindow {
		c.bytesAcked -= c.congestionWindow
		c.congestionWindow += maxDatagramSize
	}
}

func (c *newRenoCongestion) inRecoveryPeriod(sentTime time.Time) bool {
	return !c.recoveryStartTime.IsZero() && !sentTime.After(c.recoveryStartTime)
}

func (c *newRenoCongestion) onPacketsLost(now time.Time, lost []*outgoingPacket) {
	if len(lost) == 0 {
		return
	}
	last := lost[len(lost)-1]
	if c.inRecoveryPeriod(last.timeSent) {
		return
	}
	c.recoveryStartTime = now
	c.congestionWindow = uint64(float64(c.congestionWindow) * lossReductionFactor)
	if c.congestionWindow < minimumWindow {
		c.congestionWindow = minimumWindow
	}
	c.slowStartThreshold = c.congestionWindow
}

func (c *newRenoCongestion) onPersistentCongestion() {
	c.congestionWindow = minimumWindow
	c.recoveryStartTime = time.Time{}
}
