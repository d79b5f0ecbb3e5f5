package transport

import "bytes"

// connIDManager implements RFC 9000 §5.1's two CID roles for one
// connection: the issuer tracks CIDs we have handed to the peer (so the
// peer can reach us under any of them, and so a HandlerMap can route by
// any of them), the acceptor tracks CIDs the peer has handed to us.
//
// Sequence numbers strictly increase on issue; RETIRE_CONNECTION_ID
// removes an entry by sequence; the stateless-reset token is one-to-one
// with its CID.
type connIDManager struct {
	issuer   cidIssuer
	acceptor cidAcceptor

	// peerActiveConnectionIDLimit bounds how many CIDs the issuer may
	// have outstanding at once, from the peer's transport parameter.
	peerActiveConnectionIDLimit uint64

	// pendingNew holds NEW_CONNECTION_ID frames queued for sending, one
	// per CID issued since the last flush.
	pendingNew []*newConnectionIDFrame
	// pendingRetire holds RETIRE_CONNECTION_ID sequence numbers queued
	// for sending, produced when a peer's NEW_CONNECTION_ID raises Retire
	// Prior To past CIDs in the acceptor set.
	pendingRetire []uint64
}

func (m *connIDManager) init() {
	m.issuer.init()
	m.acceptor.init()
	m.peerActiveConnectionIDLimit = 2 // RFC 9000 default before the peer sends its own.
}

// issueInitial registers the CID chosen at connection creation as
// sequence 0. It stays active until the peer retires it with
// RETIRE_CONNECTION_ID.
func (m *connIDManager) issueInitial(cid []byte, token [16]byte) {
	m.issuer.add(cid, token)
}

// maybeIssue tops the issuer set up to the peer's active_connection_id_limit,
// queueing on pendingNew the NEW_CONNECTION_ID frames that announce any
// newly minted CIDs.
// rnd mints the random CID bytes and reset token.
func (m *connIDManager) maybeIssue(rnd func([]byte) error, cidLen int) error {
	for uint64(m.issuer.activeCount()) < m.peerActiveConnectionIDLimit {
		cid := make([]byte, cidLen)
		if err := rnd(cid); err != nil {
			return err
		}
		var token [16]byte
		if err := rnd(token[:]); err != nil {
			return err
		}
		seq := m.issuer.add(cid, token)
		m.pendingNew = append(m.pendingNew, newNewConnectionIDFrame(seq, 0, cid, token))
	}
	return nil
}

// drainNew hands every queued NEW_CONNECTION_ID frame to fn, clearing the queue.
func (m *connIDManager) drainNew(fn func(*newConnectionIDFrame)) {
	for _, f := range m.pendingNew {
		fn(f)
	}
	m.pendingNew = m.pendingNew[:0]
}

// drainRetire hands every queued outgoing sequence number to fn, clearing the queue.
func (m *connIDManager) drainRetire(fn func(uint64)) {
	for _, seq := range m.pendingRetire {
		fn(seq)
	}
	m.pendingRetire = m.pendingRetire[:0]
}

// recvRetireConnectionID handles a peer-sent RETIRE_CONNECTION_ID: the
// issued CID at that sequence is no longer usable by the peer.
func (m *connIDManager) recvRetireConnectionID(seq uint64) error {
	return m.issuer.retire(seq)
}

// recvNewConnectionID handles a peer-sent NEW_CONNECTION_ID: it records
// the CID in the acceptor set and retires everything below
// retirePriorTo, queueing RETIRE_CONNECTION_ID frames for each.
func (m *connIDManager) recvNewConnectionID(f *newConnectionIDFrame) error {
	if err := m.acceptor.add(f.sequenceNumber, f.connectionID, f.statelessResetToken); err != nil {
		return err
	}
	for _, seq := range m.acceptor.retirePriorTo(f.retirePriorTo) {
		m.pendingRetire = append(m.pendingRetire, seq)
	}
	return nil
}

// currentDCID returns the CID this endpoint should address the peer
// with: the lowest-sequence entry that has not been retired.
func (m *connIDManager) currentDCID() ([]byte, bool) {
	return m.acceptor.current()
}

// cidEntry is one sequence/CID/stateless-reset-token tuple, shared by
// both the issuer and acceptor roles.
type cidEntry struct {
	seq     uint64
	cid     []byte
	token   [16]byte
	retired bool
}

// cidIssuer owns the CIDs this endpoint has handed to the peer via
// NEW_CONNECTION_ID (or the initial one derived at handshake start).
type cidIssuer struct {
	entries []cidEntry
	nextSeq uint64
}

func (c *cidIssuer) init() {
	c.entries = nil
	c.nextSeq = 0
}

func (c *cidIssuer) add(cid []byte, token [16]byte) uint64 {
	seq := c.nextSeq
	c.nextSeq++
	c.entries = append(c.entries, cidEntry{seq: seq, cid: cid, token: token})
	return seq
}

func (c *cidIssuer) activeCount() int {
	n := 0
	for _, e := range c.entries {
		if !e.retired {
			n++
		}
	}
	return n
}

func (c *cidIssuer) activeCIDs() [][]byte {
	cids := make([][]byte, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.retired {
			cids = append(cids, e.cid)
		}
	}
	return cids
}

func (c *cidIssuer) retire(seq uint64) error {
	for i := range c.entries {
		if c.entries[i].seq == seq {
			if c.entries[i].retired {
				return newError(ProtocolViolation, sprint("cid already retired ", seq))
			}
			c.entries[i].retired = true
			return nil
		}
	}
	return newError(ProtocolViolation, sprint("unknown cid sequence ", seq))
}

// lookup reports whether cid is one of our active issued CIDs.
func (c *cidIssuer) lookup(cid []byte) bool {
	for _, e := range c.entries {
		if !e.retired && bytes.Equal(e.cid, cid) {
			return true
		}
	}
	return false
}

// cidAcceptor owns the CIDs the peer has told us to address them with.
type cidAcceptor struct {
	entries     []cidEntry
	retiredUpTo uint64
}

func (c *cidAcceptor) init() {
	c.entries = nil
	c.retiredUpTo = 0
}

func (c *cidAcceptor) add(seq uint64, cid []byte, token [16]byte) error {
	if seq < c.retiredUpTo {
		// Already retired by an earlier retire_prior_to; nothing to store.
		return nil
	}
	for _, e := range c.entries {
		if e.seq == seq {
			return newError(ProtocolViolation, sprint("duplicate cid sequence ", seq))
		}
	}
	c.entries = append(c.entries, cidEntry{seq: seq, cid: append([]byte(nil), cid...), token: token})
	return nil
}

// retirePriorTo marks every entry with sequence < upto as retired and
// returns their sequence numbers so RETIRE_CONNECTION_ID can be sent.
func (c *cidAcceptor) retirePriorTo(upto uint64) []uint64 {
	if upto <= c.retiredUpTo {
		return nil
	}
	c.retiredUpTo = upto
	var retired []uint64
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.seq < upto {
			retired = append(retired, e.seq)
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return retired
}

// current returns the lowest-sequence active peer CID, if any.
func (c *cidAcceptor) current() ([]byte, bool) {
	if len(c.entries) == 0 {
		return nil, false
	}
	best := c.entries[0]
	for _, e := range c.entries[1:] {
		if e.seq < best.seq {
			best = e
		}
	}
	return best.cid, true
}
