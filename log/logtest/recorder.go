/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides log.FieldLogger implementations for writing tests
// against logging functionality. It was inspired by httptest
// (https://golang.org/pkg/net/http/httptest) from the Go standard library.
package logtest

import (
	"sync"
	"time"

	"github.com/ssgreg/logf"

	"github.com/hicaroostreb/saas-boilerplate-sub004/log"
)

// RecordedEntry is a single logged entry captured by Recorder.
type RecordedEntry struct {
	LoggerName string
	Fields     []log.Field
	Level      log.Level
	Time       time.Time
	Text       string
}

// FindField looks up a field of the entry by key.
func (re *RecordedEntry) FindField(key string) (*log.Field, bool) {
	for i := range re.Fields {
		if re.Fields[i].Key == key {
			return &re.Fields[i], true
		}
	}
	return nil, false
}

type captureEntryWriter struct {
	mu      sync.RWMutex
	entries []RecordedEntry
}

//nolint:gocritic
func (ew *captureEntryWriter) WriteEntry(e logf.Entry) {
	fields := make([]log.Field, 0, len(e.Fields)+len(e.DerivedFields))
	fields = append(fields, e.Fields...)
	fields = append(fields, e.DerivedFields...)

	ew.mu.Lock()
	ew.entries = append(ew.entries, RecordedEntry{
		LoggerName: e.LoggerName,
		Fields:     fields,
		Level:      levelFromLogf(e.Level),
		Time:       e.Time,
		Text:       e.Text,
	})
	ew.mu.Unlock()
}

// Recorder is a log.FieldLogger that captures all logged entries
// for later inspection in tests.
type Recorder struct {
	*log.LogfAdapter
	entryWriter *captureEntryWriter
}

// NewRecorder creates a Recorder capturing entries at all levels.
func NewRecorder() *Recorder {
	ew := &captureEntryWriter{}
	return &Recorder{&log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, ew)}, ew}
}

func (r *Recorder) derive(adapter log.FieldLogger) log.FieldLogger {
	return &Recorder{adapter.(*log.LogfAdapter), r.entryWriter}
}

// With returns a Recorder variant carrying the given additional fields.
// Entries logged through it land in the same shared store.
func (r *Recorder) With(fs ...log.Field) log.FieldLogger {
	return r.derive(r.LogfAdapter.With(fs...))
}

// WithLevel returns a Recorder variant that ignores all entries below the given level.
// The level may only be increased: entries filtered out by a previously set level stay filtered.
func (r *Recorder) WithLevel(level log.Level) log.FieldLogger {
	return r.derive(r.LogfAdapter.WithLevel(level))
}

// Entries returns a copy of all captured entries.
func (r *Recorder) Entries() []RecordedEntry {
	r.entryWriter.mu.RLock()
	defer r.entryWriter.mu.RUnlock()
	return append([]RecordedEntry{}, r.entryWriter.entries...)
}

// FindEntry looks up a captured entry by message.
func (r *Recorder) FindEntry(msg string) (RecordedEntry, bool) {
	byText := func(entry RecordedEntry) bool { return entry.Text == msg }
	return r.FindEntryByFilter(byText)
}

// FindEntryByFilter looks up a captured entry matching the passed filter.
func (r *Recorder) FindEntryByFilter(filter func(entry RecordedEntry) bool) (RecordedEntry, bool) {
	r.entryWriter.mu.RLock()
	defer r.entryWriter.mu.RUnlock()
	for _, entry := range r.entryWriter.entries {
		if filter(entry) {
			return entry, true
		}
	}
	return RecordedEntry{}, false
}

// Reset drops all captured entries.
func (r *Recorder) Reset() {
	r.entryWriter.mu.Lock()
	r.entryWriter.entries = nil
	r.entryWriter.mu.Unlock()
}

func levelFromLogf(value logf.Level) log.Level {
	switch value {
	case logf.LevelDebug:
		return log.LevelDebug
	case logf.LevelInfo:
		return log.LevelInfo
	case logf.LevelWarn:
		return log.LevelWarn
	case logf.LevelError:
		return log.LevelError
	}
	return log.LevelInfo
}
