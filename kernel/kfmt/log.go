// Package kfmt provides the kernel's console output and structured logging.
//
// Output written before SetOutputSink is called is captured in a ring
// buffer and replayed into the sink once one is installed.
package kfmt

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// earlyPrintBuffer stores output emitted before an output sink is
	// installed.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf and the logger send their
	// output. If set to nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer

	// sinkMu serializes writes to the active sink.
	sinkMu sync.Mutex

	logger = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// sinkWriter forwards writes to the currently active sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return activeSink().Write(p)
}

func activeSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// SetOutputSink sets the default target for all output to w and copies any
// data accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes formatted output to the active sink without any log
// decoration.
func Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(sinkWriter{}, format, args...)
}

// Logger returns a log entry tagged with the supplied kernel module name.
func Logger(module string) *logrus.Entry {
	return logger.WithField("module", module)
}

// SetLevel sets the minimum level of log entries that reach the sink.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	logger.SetLevel(lvl)
	return nil
}

// SetFormat selects the log formatter. Supported formats are "text" and
// "json".
func SetFormat(format string) error {
	switch format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format %q", format)
	}

	return nil
}
