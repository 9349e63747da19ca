package logger

import (
	"io"
	"os"

	"github.com/cometbft/cometbft/libs/log"
)

// New creates a structured logger writing to w. Debug enables every level;
// otherwise only errors are written, leaving the terminal to the dashboard.
func New(debug bool, w io.Writer) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewTMLogger(log.NewSyncWriter(w))
	if debug {
		return log.NewFilter(l, log.AllowDebug())
	}
	return log.NewFilter(l, log.AllowError())
}

// Info creates a logger at info level, used when no dashboard is running.
func Info(w io.Writer) log.Logger {
	if w == nil {
		w = os.Stderr
	}
	return log.NewFilter(log.NewTMLogger(log.NewSyncWriter(w)), log.AllowInfo())
}

// Nop discards everything.
func Nop() log.Logger {
	return log.NewNopLogger()
}
