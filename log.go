package retrace

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/zyedidia/retrace/record"
)

// Logger receives session diagnostics. Discarded by default.
var Logger = newNullLogger()

// SetLogger replaces the logger for this package and the record core.
func SetLogger(l *logrus.Logger) {
	Logger = l
	record.SetLogger(l)
}

// NewVerboseLogger builds the logger installed by the -V flag.
func NewVerboseLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	return l
}

func newNullLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
