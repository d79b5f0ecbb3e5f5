package transport

import "log"

// debugEnabled gates the package's internal trace-level prints, which are
// independent of the structured LogEvent feed (§9 Global state: this is the
// only other module-level mutable state, a single bool toggled by tests and
// by embedders that want raw trace output in addition to qlog events).
var debugEnabled = false

// SetDebug toggles verbose internal tracing to the standard log package.
// Embedders normally rely on Conn.OnLogEvent instead; this is for
// low-level package debugging.
func SetDebug(enabled bool) {
	debugEnabled = enabled
}

func debug(format string, args ...interface{}) {
	if !debugEnabled {
		return
	}
	log.Printf(format, args...)
}
