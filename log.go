package quic

import (
	"fmt"
	"io"
	"sync"

	"github.com/goburrow/quince/transport"
	"github.com/sirupsen/logrus"
)

type logLevel int

// Log levels. These map onto a subset of logrus levels; quince never needs
// logrus's Warn/Fatal/Panic distinctions since a QUIC connection event is
// either routine (info/debug/trace) or an outright error.
const (
	levelOff logLevel = iota
	levelError
	levelInfo
	levelDebug
	levelTrace
)

func (l logLevel) logrusLevel() logrus.Level {
	switch l {
	case levelError:
		return logrus.ErrorLevel
	case levelInfo:
		return logrus.InfoLevel
	case levelDebug:
		return logrus.DebugLevel
	case levelTrace:
		return logrus.TraceLevel
	default:
		return logrus.PanicLevel // levelOff: log() never calls through at this level.
	}
}

// logger logs QUIC transactions through a logrus.Logger, keyed by
// connection via attachLogger's per-connection fields rather than a
// separate logger instance per connection.
type logger struct {
	level logLevel
	mu    sync.Mutex
	entry *logrus.Logger
}

func (s *logger) setWriter(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	s.entry = l
}

func (s *logger) log(level logLevel, format string, values ...interface{}) {
	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()
	if s.level < level || entry == nil {
		return
	}
	entry.Log(level.logrusLevel(), fmt.Sprintf(format, values...))
}

func (s *logger) attachLogger(c *remoteConn) {
	s.mu.Lock()
	entry := s.entry
	s.mu.Unlock()
	if s.level < levelDebug || entry == nil {
		return
	}
	tl := transactionLogger{
		entry: entry.WithFields(logrus.Fields{
			"addr":     c.addr,
			"cid":      fmt.Sprintf("%x", c.scid),
			"trace_id": c.traceID,
		}),
	}
	c.conn.OnLogEvent(tl.logEvent)
}

func (s *logger) detachLogger(c *remoteConn) {
	c.conn.OnLogEvent(nil)
}

// transactionLogger relays qlog-style transport.LogEvent values into the
// already-fielded logrus.Entry attachLogger built for one connection.
type transactionLogger struct {
	entry *logrus.Entry
}

func (s *transactionLogger) logEvent(e transport.LogEvent) {
	fields := make(logrus.Fields, len(e.Fields))
	for _, f := range e.Fields {
		fields[f.Key] = f.String()
	}
	s.entry.WithFields(fields).WithTime(e.Time).Debug(e.Type)
}
