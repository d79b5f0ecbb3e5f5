package transport

// EventType identifies the kind of application-visible event produced by a
// Conn while processing received packets or acknowledgements (§4.5, §9
// "observable outcomes surfaced to the embedder").
type EventType uint8

const (
	// EventStream signals that a stream has newly readable data or a
	// peer-initiated stream was created.
	EventStream EventType = iota
	// EventStreamReset signals a RESET_STREAM was received for StreamID.
	EventStreamReset
	// EventStreamStop signals a STOP_SENDING was received for StreamID.
	EventStreamStop
	// EventStreamComplete signals every byte sent on StreamID, including
	// FIN, has been acknowledged.
	EventStreamComplete
)

func (t EventType) String() string {
	switch t {
	case EventStream:
		return "stream"
	case EventStreamReset:
		return "stream_reset"
	case EventStreamStop:
		return "stream_stop"
	case EventStreamComplete:
		return "stream_complete"
	default:
		return "unknown"
	}
}

// Event is a single notification handed back to the embedder through
// Conn.Events.
type Event struct {
	Type      EventType
	StreamID  uint64
	ErrorCode uint64
}

func newStreamRecvEvent(id uint64) Event {
	return Event{Type: EventStream, StreamID: id}
}

func newStreamResetEvent(id uint64, code uint64) Event {
	return Event{Type: EventStreamReset, StreamID: id, ErrorCode: code}
}

func newStreamStopEvent(id uint64, code uint64) Event {
	return Event{Type: EventStreamStop, StreamID: id, ErrorCode: code}
}

func newStreamCompleteEvent(id uint64) Event {
	return Event{Type: EventStreamComplete, StreamID: id}
}
