package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// CallRecord describes one guarded call to an external provider.
type CallRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
	Provider   string    `json:"provider"`
	Key        string    `json:"key"`
	Outcome    string    `json:"outcome"` // hit, fresh, stale, queued, error
	Priority   string    `json:"priority,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// CallLogger writes call records to the console and, optionally, to a
// JSON-lines file.
type CallLogger struct {
	mu      sync.Mutex
	enabled bool
	console io.Writer
	file    *os.File
}

// NewCallLogger returns a logger that prints to console when it is non-nil.
func NewCallLogger(console io.Writer) *CallLogger {
	return &CallLogger{enabled: true, console: console}
}

// SetOutput appends JSON records to the file at path.
func (l *CallLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetEnabled turns recording on or off.
func (l *CallLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a record. A nil logger is a no-op.
func (l *CallLogger) Log(rec *CallRecord) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if l.console != nil {
		status := "ok"
		if rec.Error != "" {
			status = "err"
		}
		fmt.Fprintf(l.console, "[call] %s %s %s %s %dms\n",
			status, rec.Provider, rec.Key, rec.Outcome, rec.DurationMs)
		if rec.Error != "" {
			fmt.Fprintf(l.console, "[call]   error: %s\n", rec.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(rec)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the output file.
func (l *CallLogger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
