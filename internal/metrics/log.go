// Package metrics records per-request outcomes to the run's CSV metrics log
// and reads them back for analysis.
package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"chaos-orchestrator/internal/logging"
)

// Header is the column order written to every metrics log.
var Header = []string{"timestamp", "node", "latency_ms", "success", "error"}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("metrics log is closed")

// Outcome is one completed request. Timestamp is seconds since run start.
type Outcome struct {
	Timestamp float64
	Node      string
	LatencyMS float64
	Success   bool
	Error     string
}

func (o Outcome) row() []string {
	return []string{
		strconv.FormatFloat(o.Timestamp, 'f', 6, 64),
		o.Node,
		strconv.FormatFloat(o.LatencyMS, 'f', 3, 64),
		strconv.FormatBool(o.Success),
		o.Error,
	}
}

// Stats is a snapshot of what a Log has accepted so far.
type Stats struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// ErrorRate returns Failed/Total, or 0 when nothing was recorded.
func (s Stats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Total)
}

// Log is an append-only CSV metrics log. Any number of goroutines may call
// Record; a single writer goroutine owns the file so rows never interleave.
type Log struct {
	path    string
	file    *os.File
	csv     *csv.Writer
	logger  *logging.Logger
	records chan Outcome
	done    chan struct{}
	// finished is closed once the first Close has set writeErr for good.
	finished chan struct{}

	mu     sync.RWMutex
	closed bool

	total     atomic.Int64
	succeeded atomic.Int64
	writeErr  error
}

// Create makes a new log at path, writes the header and starts the writer
// goroutine. An existing file is never overwritten.
func Create(path string, logger *logging.Logger) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics log: %w", err)
	}

	l := &Log{
		path:    path,
		file:    file,
		csv:     csv.NewWriter(file),
		logger:  logger.WithField("component", "metrics"),
		records:  make(chan Outcome, 1024),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	if err := l.csv.Write(Header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write metrics header: %w", err)
	}
	l.csv.Flush()

	go l.writeLoop()
	return l, nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

// Record queues an outcome for writing.
func (l *Log) Record(o Outcome) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrClosed
	}

	// A row either succeeded or names its failure.
	if o.Success {
		o.Error = ""
	} else if o.Error == "" {
		o.Error = "unknown error"
	}

	l.total.Add(1)
	if o.Success {
		l.succeeded.Add(1)
	}
	l.records <- o
	return nil
}

// Stats returns counters for everything recorded so far.
func (l *Log) Stats() Stats {
	total := l.total.Load()
	ok := l.succeeded.Load()
	return Stats{Total: total, Succeeded: ok, Failed: total - ok}
}

// Close drains queued outcomes, flushes and closes the file. It is safe to
// call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.finished
		return l.writeErr
	}
	l.closed = true
	close(l.records)
	l.mu.Unlock()

	<-l.done

	if err := l.file.Sync(); err != nil && l.writeErr == nil {
		l.writeErr = err
	}
	if err := l.file.Close(); err != nil && l.writeErr == nil {
		l.writeErr = err
	}
	close(l.finished)

	stats := l.Stats()
	l.logger.Info("Metrics log closed",
		"path", l.path,
		"requests", stats.Total,
		"failed", stats.Failed,
	)
	return l.writeErr
}

func (l *Log) writeLoop() {
	defer close(l.done)

	pending := 0
	for o := range l.records {
		if err := l.csv.Write(o.row()); err != nil && l.writeErr == nil {
			l.writeErr = err
			l.logger.Error("Failed to write metrics row", "error", err)
		}
		pending++

		// Flush when the queue drains so a crash loses little.
		if len(l.records) == 0 || pending >= 256 {
			l.csv.Flush()
			if err := l.csv.Error(); err != nil && l.writeErr == nil {
				l.writeErr = err
			}
			pending = 0
		}
	}

	l.csv.Flush()
	if err := l.csv.Error(); err != nil && l.writeErr == nil {
		l.writeErr = err
	}
}
