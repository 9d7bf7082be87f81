package vuload

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var requestLogHeader = []string{"time", "vu", "method", "url", "status", "duration_ms", "error"}

// RequestRecord is one row of the request log
type RequestRecord struct {
	Time     time.Time
	VU       int
	Method   string
	URL      string
	Status   int
	Duration time.Duration
	Error    string
}

func (r RequestRecord) row() []string {
	return []string{
		r.Time.Format(time.RFC3339Nano),
		strconv.Itoa(r.VU),
		r.Method,
		r.URL,
		strconv.Itoa(r.Status),
		strconv.FormatFloat(millis(r.Duration), 'f', 3, 64),
		r.Error,
	}
}

// RequestLog is a csv file with one row per request, safe for concurrent writes
type RequestLog struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	closed bool
}

func NewRequestLog(path string) (*RequestLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create csv log %s: %w", path, err)
	}
	l := &RequestLog{f: f, w: csv.NewWriter(f)}
	if err := l.w.Write(requestLogHeader); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func (l *RequestLog) Write(rec RequestRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	return l.w.Write(rec.row())
}

// Flush writes buffered rows to the file
func (l *RequestLog) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Flush()
	return l.w.Error()
}

func (l *RequestLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
