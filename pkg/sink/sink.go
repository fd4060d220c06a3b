// Package sink writes trace envelopes to append-only JSONL through a
// bounded queue drained by a single writer goroutine. Producers never
// block: on backpressure the sink drops evidence first, then
// low-severity events. RUN_START, RUN_END, and blocking ATTEMPT events
// are never dropped.
package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/failcore/failcore/pkg/trace"
)

// SyncPolicy controls when the sink calls fsync.
type SyncPolicy string

const (
	SyncAtRunEnd   SyncPolicy = "run_end"
	SyncEveryEvent SyncPolicy = "every_event"
)

// DefaultQueueSize bounds the in-flight envelope queue.
const DefaultQueueSize = 256

type syncWriter interface {
	io.Writer
	Sync() error
}

type nopSync struct{ io.Writer }

func (nopSync) Sync() error { return nil }

// DropStats counts envelopes shed under backpressure, by class.
type DropStats struct {
	Evidence int64 `json:"evidence"`
	Low      int64 `json:"low"`
	Normal   int64 `json:"normal"`
}

// Sink is one run's trace writer. Safe for concurrent producers.
type Sink struct {
	runID  string
	out    syncWriter
	closer io.Closer
	syncAt SyncPolicy
	clock  func() time.Time
	log    *slog.Logger

	mu     sync.Mutex
	seq    uint64
	queue  []trace.Envelope
	size   int
	drops  DropStats
	closed bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Sink.
type Option func(*Sink)

func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.size = n
		}
	}
}

func WithSyncPolicy(p SyncPolicy) Option {
	return func(s *Sink) { s.syncAt = p }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Sink) { s.clock = clock }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Sink) { s.log = log }
}

// New creates a sink over an arbitrary writer. Writers without an
// fsync get a no-op sync.
func New(runID string, w io.Writer, opts ...Option) *Sink {
	sw, ok := w.(syncWriter)
	if !ok {
		sw = nopSync{w}
	}
	s := &Sink{
		runID:  runID,
		out:    sw,
		syncAt: SyncAtRunEnd,
		clock:  time.Now,
		log:    slog.Default().With("component", "sink", "run", runID),
		size:   DefaultQueueSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// NewFile creates a sink appending to a JSONL file.
func NewFile(runID, path string, opts ...Option) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	s := New(runID, f, opts...)
	s.closer = f
	return s, nil
}

// Emit builds an envelope for the payload and enqueues it. The returned
// seq is 0 when the envelope was shed at enqueue.
func (s *Sink) Emit(eventType trace.EventType, step *trace.Step, payload any) (uint64, error) {
	e, err := trace.New(eventType, step, payload)
	if err != nil {
		return 0, err
	}
	return s.Enqueue(e), nil
}

// Enqueue stamps run id, seq, and timestamp, then queues the envelope.
// seq is assigned under the queue lock so file order matches seq order.
func (s *Sink) Enqueue(e trace.Envelope) uint64 {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	class := trace.Class(e)
	if len(s.queue) >= s.size && !s.shedLocked(class) {
		switch class {
		case trace.ClassEvidence:
			s.drops.Evidence++
		case trace.ClassLow:
			s.drops.Low++
		default:
			s.drops.Normal++
		}
		s.mu.Unlock()
		s.log.Warn("trace queue full, event dropped", "event", e.EventType)
		return 0
	}

	s.seq++
	e.RunID = s.runID
	e.Seq = s.seq
	e.TS = s.clock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return e.Seq
}

// shedLocked frees one queue slot for an incoming event: the first
// queued evidence event goes, then the first low-severity one. When
// nothing is sheddable the queue grows only for critical events.
func (s *Sink) shedLocked(incoming trace.DropClass) bool {
	for _, class := range []trace.DropClass{trace.ClassEvidence, trace.ClassLow} {
		if class >= incoming {
			break
		}
		for i, q := range s.queue {
			if trace.Class(q) == class {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				switch class {
				case trace.ClassEvidence:
					s.drops.Evidence++
				default:
					s.drops.Low++
				}
				s.log.Warn("trace queue full, queued event shed",
					"shed", q.EventType, "incoming", incoming)
				return true
			}
		}
	}
	return incoming == trace.ClassCritical
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		select {
		case <-s.notify:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, e := range batch {
		line, err := json.Marshal(e)
		if err != nil {
			s.log.Error("trace encode failed, event dropped", "event", e.EventType, "error", err)
			continue
		}
		if _, err := s.out.Write(append(line, '\n')); err != nil {
			s.log.Error("trace write failed, event dropped", "event", e.EventType, "error", err)
			continue
		}
		if s.syncAt == SyncEveryEvent || e.EventType == trace.EventRunEnd {
			if err := s.out.Sync(); err != nil {
				s.log.Error("trace fsync failed", "error", err)
			}
		}
	}
}

// Dropped returns the shed counters.
func (s *Sink) Dropped() DropStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Close drains outstanding envelopes, fsyncs, and releases the file.
// Enqueue after Close is a silent no-op.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	err := s.out.Sync()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
