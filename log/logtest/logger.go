/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ssgreg/logf"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

type syncEntryWriter struct {
	mu      sync.Mutex
	encoder logf.Encoder
	output  io.Writer
}

//nolint:gocritic
func (ew *syncEntryWriter) WriteEntry(e logf.Entry) {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	var buf logf.Buffer
	if err := ew.encoder.Encode(&buf, e); err != nil {
		_, _ = fmt.Fprint(ew.output, err)
		return
	}
	_, _ = ew.output.Write(buf.Data)
}

// NewLogger returns a simple preconfigured logger (output: stderr, format: json, level: debug).
// Entries are written synchronously, so it suits tests but never production.
func NewLogger() log.FieldLogger {
	return NewLoggerWithOpts(LoggerOpts{Output: os.Stderr})
}

// LoggerOpts holds options for the test logger.
type LoggerOpts struct {
	// Output is the target for log entries, os.Stderr when nil.
	Output io.Writer
}

// NewLoggerWithOpts returns a test logger configured according to the passed options.
func NewLoggerWithOpts(opts LoggerOpts) log.FieldLogger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}
	ew := &syncEntryWriter{
		encoder: logf.NewJSONEncoder(logf.JSONEncoderConfig{
			EncodeTime:   logf.RFC3339NanoTimeEncoder,
			FieldKeyTime: "time",
		}),
		output: output,
	}
	return &log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, ew)}
}
