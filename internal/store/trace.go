package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/strao1986/mixer/internal/codec"
	"github.com/strao1986/mixer/internal/fit"
)

// Trace events.
const (
	EventStarted  = "started"
	EventFinished = "finished"
)

// TraceEntry is one stage event. Each entry is one JSON line in
// <name>.trace.jsonl.
type TraceEntry struct {
	Model int    `json:"model"`
	Stage string `json:"stage"`
	Event string `json:"event"`

	// Set on finished events only
	Cost        codec.Float `json:"cost,omitempty"`
	Evaluations int         `json:"nfev,omitempty"`
	Converged   bool        `json:"converged,omitempty"`
	DurationMS  int64       `json:"duration_ms,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// TraceWriter appends stage events to <name>.trace.jsonl. Entries are
// buffered between stages and flushed when a stage finishes. It is safe
// for concurrent use and implements fit.Observer.
type TraceWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewTraceWriter opens the trace at path. A resumed run passes
// appendTo=true to keep the entries of earlier attempts.
func NewTraceWriter(path string, appendTo bool) (*TraceWriter, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, &WriteError{Path: path, Err: err}
	}
	buf := bufio.NewWriter(f)
	return &TraceWriter{path: path, f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Write buffers one entry as a JSON line.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if err := tw.enc.Encode(entry); err != nil {
		return fmt.Errorf("trace %s: %w", tw.path, err)
	}
	return nil
}

// StageStarted implements fit.Observer.
func (tw *TraceWriter) StageStarted(ev fit.StageEvent) {
	tw.record(TraceEntry{Model: ev.Model, Stage: ev.Stage, Event: EventStarted, Timestamp: ev.Time})
}

// StageFinished implements fit.Observer. The buffer is flushed so the
// trace is current after every stage.
func (tw *TraceWriter) StageFinished(ev fit.StageEvent) {
	tw.record(TraceEntry{
		Model:       ev.Model,
		Stage:       ev.Stage,
		Event:       EventFinished,
		Cost:        codec.Float(ev.Cost),
		Evaluations: ev.Evaluations,
		Converged:   ev.Converged,
		DurationMS:  ev.Duration.Milliseconds(),
		Timestamp:   ev.Time,
	})
	if err := tw.Flush(); err != nil {
		slog.Warn("Failed to flush trace", "path", tw.path, "error", err)
	}
}

func (tw *TraceWriter) record(e TraceEntry) {
	if err := tw.Write(e); err != nil {
		slog.Warn("Failed to write trace entry", "path", tw.path, "error", err)
	}
}

// Flush writes buffered entries through to disk.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.flushLocked()
}

func (tw *TraceWriter) flushLocked() error {
	if err := tw.buf.Flush(); err != nil {
		return &WriteError{Path: tw.path, Err: err}
	}
	if err := tw.f.Sync(); err != nil {
		return &WriteError{Path: tw.path, Err: err}
	}
	return nil
}

// Close flushes and closes the trace.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return errors.Join(tw.flushLocked(), tw.f.Close())
}

// Path returns the trace file path.
func (tw *TraceWriter) Path() string { return tw.path }

// TraceReader decodes a trace written by TraceWriter.
type TraceReader struct {
	f   *os.File
	dec *json.Decoder
}

// NewTraceReader opens the trace at path. A missing file is ErrNotFound.
func NewTraceReader(path string) (*TraceReader, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Name: path}
	} else if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	return &TraceReader{f: f, dec: json.NewDecoder(bufio.NewReader(f))}, nil
}

// Read returns the next entry, or io.EOF after the last one.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	var entry TraceEntry
	if err := tr.dec.Decode(&entry); err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, fmt.Errorf("decode trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll returns the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the underlying file.
func (tr *TraceReader) Close() error { return tr.f.Close() }
