package transport

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Event type names, following the qlog quic-events vocabulary closely
// enough that a consumer piping LogEvent.String() through a line parser
// recognizes the same event/field vocabulary, without this package taking
// on a JSON/qlog encoding dependency itself.
const (
	logEventPacketReceived  = "packet_received"
	logEventPacketSent      = "packet_sent"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
)

// LogEvent is one structured entry a Conn emits through OnLogEvent: a
// timestamp, an event name, and an ordered list of key/value fields. It
// carries no sink of its own; String renders a logfmt-style line, but a
// caller is free to walk Fields directly to feed a qlog or metrics
// exporter instead.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tm time.Time, tp string) LogEvent {
	return LogEvent{
		Time:   tm,
		Type:   tp,
		Fields: make([]LogField, 0, 8),
	}
}

func (e *LogEvent) str(key, val string) {
	e.Fields = append(e.Fields, LogField{Key: key, Str: val})
}

func (e *LogEvent) num(key string, val uint64) {
	e.Fields = append(e.Fields, LogField{Key: key, Num: val})
}

func (e *LogEvent) boolean(key string, val bool) {
	e.str(key, strconv.FormatBool(val))
}

func (e *LogEvent) bytes(key string, val []byte) {
	e.str(key, hex.EncodeToString(val))
}

func (e *LogEvent) uint32s(key string, val []uint32) {
	b := make([]byte, 0, 32)
	b = append(b, '[')
	for i, v := range val {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendUint(b, uint64(v), 10)
	}
	b = append(b, ']')
	e.str(key, string(b))
}

func (e LogEvent) String() string {
	var buf bytes.Buffer
	buf.WriteString(e.Time.Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(e.Type)
	for _, f := range e.Fields {
		buf.WriteByte(' ')
		buf.WriteString(f.String())
	}
	return buf.String()
}

// LogField is one key/value pair within a LogEvent. Exactly one of Str or
// Num is meaningful for a given field; Str takes priority in String so a
// numeric field with an empty Str still renders as a number, never "".
type LogField struct {
	Key string
	Str string
	Num uint64
}

func (f LogField) String() string {
	if f.Str == "" {
		return fmt.Sprintf("%s=%d", f.Key, f.Num)
	}
	return fmt.Sprintf("%s=%s", f.Key, f.Str)
}

// Packet events.

func newLogEventPacket(tm time.Time, tp string, p *packet) LogEvent {
	e := newLogEvent(tm, tp)
	e.str("packet_type", p.typ.String())
	if p.header.version > 0 {
		e.num("version", uint64(p.header.version))
	}
	if len(p.header.dcid) > 0 {
		e.bytes("dcid", p.header.dcid)
	}
	if len(p.header.scid) > 0 {
		e.bytes("scid", p.header.scid)
	}
	if p.packetNumber > 0 {
		e.num("packet_number", p.packetNumber)
	}
	if p.payloadLen > 0 {
		e.num("payload_length", uint64(p.payloadLen))
	}
	if len(p.supportedVersions) > 0 {
		e.uint32s("supported_versions", p.supportedVersions)
	}
	if len(p.token) > 0 {
		e.bytes("stateless_reset_token", p.token)
	}
	return e
}

// Frame events. Each frame type knows how to describe itself; dispatch is
// a type switch rather than a registry keyed by reflect.Type, since the
// set of frame types is fixed at compile time and a switch avoids both the
// reflection cost and a package-init-time table to keep in sync with it.
func newLogEventFrame(tm time.Time, tp string, f frame) LogEvent {
	e := newLogEvent(tm, tp)
	switch f := f.(type) {
	case *paddingFrame:
		e.str("frame_type", "padding")
	case *pingFrame:
		e.str("frame_type", "ping")
	case *ackFrame:
		e.str("frame_type", "ack")
		e.num("ack_delay", f.ackDelay)
	case *resetStreamFrame:
		e.str("frame_type", "reset_stream")
		e.num("stream_id", f.streamID)
		e.num("error_code", f.errorCode)
		e.num("final_size", f.finalSize)
	case *stopSendingFrame:
		e.str("frame_type", "stop_sending")
		e.num("stream_id", f.streamID)
		e.num("error_code", f.errorCode)
	case *cryptoFrame:
		e.str("frame_type", "crypto")
		e.num("offset", f.offset)
		e.num("length", uint64(len(f.data)))
	case *newTokenFrame:
		e.str("frame_type", "new_token")
		e.bytes("token", f.token)
	case *streamFrame:
		e.str("frame_type", "stream")
		e.num("stream_id", f.streamID)
		e.num("offset", f.offset)
		e.num("length", uint64(len(f.data)))
		e.boolean("fin", f.fin)
	case *maxDataFrame:
		e.str("frame_type", "max_data")
		e.num("maximum", f.maximumData)
	case *maxStreamDataFrame:
		e.str("frame_type", "max_stream_data")
		e.num("stream_id", f.streamID)
		e.num("maximum", f.maximumData)
	case *maxStreamsFrame:
		e.str("frame_type", "max_streams")
		e.str("stream_type", streamTypeName(f.bidi))
		e.num("maximum", f.maximumStreams)
	case *dataBlockedFrame:
		e.str("frame_type", "data_blocked")
		e.num("limit", f.dataLimit)
	case *streamDataBlockedFrame:
		e.str("frame_type", "stream_data_blocked")
		e.num("stream_id", f.streamID)
		e.num("limit", f.dataLimit)
	case *streamsBlockedFrame:
		e.str("frame_type", "streams_blocked")
		e.str("stream_type", streamTypeName(f.bidi))
		e.num("limit", f.streamLimit)
	case *newConnectionIDFrame:
		e.str("frame_type", "new_connection_id")
		e.num("sequence_number", f.sequenceNumber)
		e.num("retire_prior_to", f.retirePriorTo)
		e.bytes("connection_id", f.connectionID)
		e.bytes("stateless_reset_token", f.statelessResetToken[:])
	case *retireConnectionIDFrame:
		e.str("frame_type", "retire_connection_id")
		e.num("sequence_number", f.sequenceNumber)
	case *pathChallengeFrame:
		e.str("frame_type", "path_challenge")
		e.bytes("data", f.data[:])
	case *pathResponseFrame:
		e.str("frame_type", "path_response")
		e.bytes("data", f.data[:])
	case *connectionCloseFrame:
		e.str("frame_type", "connection_close")
		if f.application {
			e.str("error_space", "application")
		} else {
			e.str("error_space", "transport")
		}
		e.str("error_code", errorCodeString(f.errorCode))
		e.num("raw_error_code", f.errorCode)
		e.str("reason", string(f.reasonPhrase))
		if f.frameType > 0 {
			e.num("trigger_frame_type", f.frameType)
		}
	case *handshakeDoneFrame:
		e.str("frame_type", "handshake_done")
	}
	return e
}

func streamTypeName(bidi bool) string {
	if bidi {
		return "bidirectional"
	}
	return "unidirectional"
}

func logUnknownFrame(e *LogEvent, frameType uint64, b []byte) {
	e.str("frame_type", "unknown")
	e.num("raw_frame_type", frameType)
	e.bytes("raw", b)
}
