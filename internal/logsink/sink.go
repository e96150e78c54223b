// Package logsink is the asynchronous request/response log pipeline.
// Producers enqueue without blocking; one flusher per entry kind batches
// writes into newline-delimited JSON files under the log directory. The
// sink never pushes back on request handling: when a queue is full,
// entries are dropped, low levels first.
package logsink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/duogate/duogate/internal/config"
)

// Kind selects the target file of an entry.
type Kind string

const (
	KindUpstreamRequest   Kind = "upstream_request"
	KindUpstreamResponse  Kind = "upstream_response"
	KindError             Kind = "error"
	KindPerformanceMetric Kind = "performance_metric"
)

var kindFiles = map[Kind]string{
	KindUpstreamRequest:   "upstream_requests.json",
	KindUpstreamResponse:  "upstream_responses.json",
	KindError:             "error_logs.json",
	KindPerformanceMetric: "performance_metrics.json",
}

// Level orders entries for verbosity gating and drop preference.
type Level int

const (
	LevelDebug Level = iota
	LevelImportant
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelImportant:
		return "important"
	default:
		return "debug"
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Entry is one record bound for an NDJSON file.
type Entry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	Type          string         `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// FilterEnv is the environment a LOG_FILTER_EXPRESSION runs against.
type FilterEnv struct {
	Kind          string `expr:"Kind"`
	Level         string `expr:"Level"`
	Type          string `expr:"Type"`
	CorrelationID string `expr:"CorrelationID"`
}

// profile couples a verbosity floor with a batch threshold. Detailed
// levels flush small batches quickly, performance-oriented levels trade
// latency for fewer writes.
type profile struct {
	minLevel  Level
	threshold int
}

var levelProfiles = map[string]profile{
	config.PerfMaxDetail:   {minLevel: LevelDebug, threshold: 1},
	config.PerfBalanced:    {minLevel: LevelImportant, threshold: 10},
	config.PerfPerformance: {minLevel: LevelImportant, threshold: 50},
	config.PerfMinimal:     {minLevel: LevelCritical, threshold: 100},
}

const queueCapacity = 1024

// Sink fans entries out to per-kind queues and batches them to disk.
type Sink struct {
	dir       string
	minLevel  Level
	threshold int
	age       time.Duration
	filter    *vm.Program

	queues  map[Kind]chan Entry
	writers map[Kind]*lumberjack.Logger
	dropped map[Kind]*atomic.Int64

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	running  atomic.Bool
}

// New builds a sink under cfg.LogDir. The directory is created eagerly
// so that an unwritable path fails startup instead of the first flush.
func New(cfg *config.Config) (*Sink, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	prof, ok := levelProfiles[cfg.PerformanceLevel]
	if !ok {
		prof = levelProfiles[config.PerfBalanced]
	}
	s := &Sink{
		dir:       cfg.LogDir,
		minLevel:  prof.minLevel,
		threshold: prof.threshold,
		age:       5 * time.Second,
		queues:    make(map[Kind]chan Entry, len(kindFiles)),
		writers:   make(map[Kind]*lumberjack.Logger, len(kindFiles)),
		dropped:   make(map[Kind]*atomic.Int64, len(kindFiles)),
		stopChan:  make(chan struct{}),
	}
	for kind, file := range kindFiles {
		s.queues[kind] = make(chan Entry, queueCapacity)
		s.writers[kind] = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, file),
			MaxSize:    10,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		}
		s.dropped[kind] = &atomic.Int64{}
	}
	if cfg.LogFilterExpression != "" {
		program, err := expr.Compile(cfg.LogFilterExpression, expr.Env(FilterEnv{}))
		if err != nil {
			return nil, fmt.Errorf("compile LOG_FILTER_EXPRESSION: %w", err)
		}
		s.filter = program
	}
	return s, nil
}

// Start launches one flusher per kind.
func (s *Sink) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	for kind, q := range s.queues {
		s.wg.Add(1)
		go s.flusher(kind, q)
	}
}

// Close drains the queues, flushes every batch and closes the files.
func (s *Sink) Close() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	for kind, w := range s.writers {
		if err := w.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "logsink: close %s: %v\n", kind, err)
		}
	}
}

// Enqueue offers an entry without ever blocking the caller. Entries
// below the verbosity floor or rejected by the filter expression are
// discarded. On a full queue a critical entry evicts a queued one;
// anything else is dropped on the spot.
func (s *Sink) Enqueue(kind Kind, e Entry) {
	if e.Level < s.minLevel {
		return
	}
	if !s.accept(kind, e) {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	q, ok := s.queues[kind]
	if !ok {
		return
	}
	select {
	case q <- e:
		return
	default:
	}
	if e.Level < LevelCritical {
		s.dropped[kind].Add(1)
		return
	}
	select {
	case <-q:
	default:
	}
	select {
	case q <- e:
	default:
		s.dropped[kind].Add(1)
	}
}

func (s *Sink) accept(kind Kind, e Entry) bool {
	if s.filter == nil {
		return true
	}
	out, err := expr.Run(s.filter, FilterEnv{
		Kind:          string(kind),
		Level:         e.Level.String(),
		Type:          e.Type,
		CorrelationID: e.CorrelationID,
	})
	if err != nil {
		logrus.Debugf("log filter expression failed, keeping entry: %v", err)
		return true
	}
	keep, ok := out.(bool)
	return !ok || keep
}

// UpstreamRequest records an outbound request body and its routing.
func (s *Sink) UpstreamRequest(correlationID string, data map[string]any) {
	s.Enqueue(KindUpstreamRequest, Entry{
		Level:         LevelImportant,
		Type:          string(KindUpstreamRequest),
		CorrelationID: correlationID,
		Data:          data,
	})
}

// UpstreamResponse records what came back, including usage.
func (s *Sink) UpstreamResponse(correlationID string, data map[string]any) {
	s.Enqueue(KindUpstreamResponse, Entry{
		Level:         LevelImportant,
		Type:          string(KindUpstreamResponse),
		CorrelationID: correlationID,
		Data:          data,
	})
}

// Error records a failure with its taxonomy tag.
func (s *Sink) Error(correlationID, errType string, data map[string]any) {
	s.Enqueue(KindError, Entry{
		Level:         LevelCritical,
		Type:          errType,
		CorrelationID: correlationID,
		Data:          data,
	})
}

// Metric records one named performance measurement.
func (s *Sink) Metric(metric string, data map[string]any) {
	s.Enqueue(KindPerformanceMetric, Entry{
		Level: LevelDebug,
		Type:  metric,
		Data:  data,
	})
}

// Stats reports queue depth and drop counts, for the debug endpoint.
type Stats struct {
	Queued  map[Kind]int   `json:"queued"`
	Dropped map[Kind]int64 `json:"dropped"`
}

func (s *Sink) Stats() Stats {
	st := Stats{
		Queued:  make(map[Kind]int, len(s.queues)),
		Dropped: make(map[Kind]int64, len(s.dropped)),
	}
	for kind, q := range s.queues {
		st.Queued[kind] = len(q)
	}
	for kind, d := range s.dropped {
		st.Dropped[kind] = d.Load()
	}
	return st
}

func (s *Sink) flusher(kind Kind, q chan Entry) {
	defer s.wg.Done()

	var batch []Entry
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.writeBatch(kind, batch)
		batch = nil
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
	}

	for {
		select {
		case e := <-q:
			batch = append(batch, e)
			if len(batch) >= s.threshold {
				flush()
			} else if !armed {
				timer.Reset(s.age)
				armed = true
			}
		case <-timer.C:
			armed = false
			flush()
		case <-s.stopChan:
			for {
				select {
				case e := <-q:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch serializes a batch as NDJSON in one write. A failed write
// is reported on stderr and the batch is lost; producers never see it.
func (s *Sink) writeBatch(kind Kind, batch []Entry) {
	var buf bytes.Buffer
	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logsink: marshal %s entry: %v\n", kind, err)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return
	}
	if _, err := s.writers[kind].Write(buf.Bytes()); err != nil {
		fmt.Fprintf(os.Stderr, "logsink: write %s batch of %d: %v\n", kind, len(batch), err)
	}
}
