package record

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger receives the record core's diagnostics. Discarded by default; the
// CLI installs a real logger with -V.
var Logger = newNullLogger()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	Logger = l
}

func newNullLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
