// Package obs holds observation helpers usable outside the proxy core.
package obs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record is one retained log line, shaped for JSON responses.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// RingLog is a logrus hook keeping the most recent entries in a fixed
// circular buffer. The /debug/logs endpoint reads it.
type RingLog struct {
	mu      sync.RWMutex
	records []Record
	next    int
	count   int
}

// NewRingLog builds a hook retaining up to capacity entries.
func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingLog{records: make([]Record, capacity)}
}

// Levels registers the hook for every level.
func (r *RingLog) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire copies the entry into the ring. Field values are kept as-is; the
// entry itself is not retained so later mutation cannot corrupt history.
func (r *RingLog) Fire(entry *logrus.Entry) error {
	rec := Record{
		Time:    entry.Time,
		Level:   entry.Level.String(),
		Message: entry.Message,
	}
	if len(entry.Data) > 0 {
		rec.Fields = make(map[string]any, len(entry.Data))
		for k, v := range entry.Data {
			rec.Fields[k] = v
		}
	}

	r.mu.Lock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.count < len(r.records) {
		r.count++
	}
	r.mu.Unlock()
	return nil
}

// Snapshot returns the retained records, oldest first.
func (r *RingLog) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.records)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.records[(start+i)%len(r.records)])
	}
	return out
}
