// Package logging holds the process-wide diagnostic logger.
//
// By default nothing is written. The CLI installs a logger built with New;
// tests and library users may install their own or pass nil to mute output.
package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var loggerPtr atomic.Pointer[logrus.Logger]

func init() {
	loggerPtr.Store(newDiscardLogger())
}

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// New builds a text logger writing to stderr. Verbose enables debug output.
func New(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// SetLogger replaces the package logger. Passing nil installs a logger that
// discards everything.
func SetLogger(l *logrus.Logger) {
	if l == nil {
		l = newDiscardLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger. Safe for concurrent use.
func Logger() *logrus.Logger {
	return loggerPtr.Load()
}

// For returns an entry tagged with the emitting component.
func For(component string) *logrus.Entry {
	return Logger().WithField("component", component)
}
