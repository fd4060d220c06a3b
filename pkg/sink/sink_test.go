package sink

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/failcore/failcore/pkg/contracts"
	"github.com/failcore/failcore/pkg/trace"
)

// gatedWriter blocks every Write until released so tests can fill the
// queue deterministically.
type gatedWriter struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	buf   bytes.Buffer
	syncs int
}

func newGatedWriter(open bool) *gatedWriter {
	w := &gatedWriter{entered: make(chan struct{}, 64), release: make(chan struct{})}
	if open {
		close(w.release)
	}
	return w
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	select {
	case w.entered <- struct{}{}:
	default:
	}
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncs++
	return nil
}

func (w *gatedWriter) lines(t *testing.T) []trace.Envelope {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	events, err := trace.Reader{}.ReadAll(strings.NewReader(w.buf.String()))
	require.NoError(t, err)
	return events
}

func attempt(tool string, decision contracts.Action) trace.Attempt {
	return trace.Attempt{Tool: tool, Verdict: contracts.Verdict{Decision: decision}}
}

func TestSeqAndOrder(t *testing.T) {
	var buf bytes.Buffer
	s := New("run-1", &buf)

	_, err := s.Emit(trace.EventRunStart, nil, trace.RunStart{PolicyName: "p"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		step := &trace.Step{ID: fmt.Sprintf("s%d", i)}
		_, err := s.Emit(trace.EventAttempt, step, attempt("read_file", contracts.ActionAllow))
		require.NoError(t, err)
	}
	_, err = s.Emit(trace.EventRunEnd, nil, trace.RunEnd{Status: "SUCCESS"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	events, err := trace.Reader{}.ReadAll(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, events, 7)
	require.NoError(t, trace.Validate(events))
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "run-1", e.RunID)
		assert.Equal(t, trace.SchemaVersion, e.SchemaVersion)
	}
	assert.Equal(t, trace.EventRunStart, events[0].EventType)
	assert.Equal(t, trace.EventRunEnd, events[6].EventType)
}

func TestBackpressureDropOrder(t *testing.T) {
	w := newGatedWriter(false)
	s := New("run-1", w, WithQueueSize(2))

	// The worker pulls this first envelope and parks inside Write.
	_, err := s.Emit(trace.EventRunStart, nil, trace.RunStart{PolicyName: "p"})
	require.NoError(t, err)
	<-w.entered

	step := &trace.Step{ID: "s1"}
	_, err = s.Emit(trace.EventEgress, step, trace.Egress{Status: "ok"})
	require.NoError(t, err)
	_, err = s.Emit(trace.EventReplayHit, step, trace.ReplayHit{HitKey: "k", CacheSource: "memory"})
	require.NoError(t, err)

	// Queue full: a normal event sheds the evidence event first.
	seq, err := s.Emit(trace.EventAttempt, &trace.Step{ID: "s2"}, attempt("t", contracts.ActionAllow))
	require.NoError(t, err)
	assert.NotZero(t, seq)

	// Next normal event sheds the low-severity replay hit.
	seq, err = s.Emit(trace.EventAttempt, &trace.Step{ID: "s3"}, attempt("t", contracts.ActionAllow))
	require.NoError(t, err)
	assert.NotZero(t, seq)

	// Nothing sheddable remains: a normal event is itself dropped.
	seq, err = s.Emit(trace.EventAttempt, &trace.Step{ID: "s4"}, attempt("t", contracts.ActionAllow))
	require.NoError(t, err)
	assert.Zero(t, seq)

	// A blocking ATTEMPT is never dropped even with a saturated queue.
	seq, err = s.Emit(trace.EventAttempt, &trace.Step{ID: "s5"}, attempt("t", contracts.ActionBlock))
	require.NoError(t, err)
	assert.NotZero(t, seq)

	close(w.release)
	require.NoError(t, s.Close())

	var types []trace.EventType
	for _, e := range w.lines(t) {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []trace.EventType{
		trace.EventRunStart, trace.EventAttempt, trace.EventAttempt, trace.EventAttempt,
	}, types)
	assert.NotContains(t, types, trace.EventEgress)
	assert.NotContains(t, types, trace.EventReplayHit)

	drops := s.Dropped()
	assert.Equal(t, int64(1), drops.Evidence)
	assert.Equal(t, int64(1), drops.Low)
	assert.Equal(t, int64(1), drops.Normal)
}

func TestSyncPolicies(t *testing.T) {
	t.Run("run_end", func(t *testing.T) {
		w := newGatedWriter(true)
		s := New("run-1", w, WithSyncPolicy(SyncAtRunEnd))
		for i := 0; i < 3; i++ {
			_, err := s.Emit(trace.EventAttempt, &trace.Step{ID: fmt.Sprintf("s%d", i)},
				attempt("t", contracts.ActionAllow))
			require.NoError(t, err)
		}
		_, err := s.Emit(trace.EventRunEnd, nil, trace.RunEnd{Status: "SUCCESS"})
		require.NoError(t, err)
		require.NoError(t, s.Close())
		// Once at RUN_END, once at Close.
		w.mu.Lock()
		defer w.mu.Unlock()
		assert.Equal(t, 2, w.syncs)
	})
	t.Run("every_event", func(t *testing.T) {
		w := newGatedWriter(true)
		s := New("run-1", w, WithSyncPolicy(SyncEveryEvent))
		for i := 0; i < 3; i++ {
			_, err := s.Emit(trace.EventAttempt, &trace.Step{ID: fmt.Sprintf("s%d", i)},
				attempt("t", contracts.ActionAllow))
			require.NoError(t, err)
		}
		require.NoError(t, s.Close())
		w.mu.Lock()
		defer w.mu.Unlock()
		assert.Equal(t, 4, w.syncs) // 3 events + Close
	})
}

func TestConcurrentProducers(t *testing.T) {
	var buf bytes.Buffer
	s := New("run-1", &buf, WithQueueSize(1024))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				step := &trace.Step{ID: fmt.Sprintf("g%d-s%d", g, i)}
				_, _ = s.Emit(trace.EventAttempt, step, attempt("t", contracts.ActionAllow))
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	events, err := trace.Reader{}.ReadAll(strings.NewReader(buf.String()))
	require.NoError(t, err)
	require.Len(t, events, 200)
	require.NoError(t, trace.Validate(events))
	assert.Equal(t, DropStats{}, s.Dropped())
}

func TestEnqueueAfterCloseIsNoop(t *testing.T) {
	var buf bytes.Buffer
	s := New("run-1", &buf)
	require.NoError(t, s.Close())

	seq, err := s.Emit(trace.EventAttempt, &trace.Step{ID: "s1"}, attempt("t", contracts.ActionAllow))
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.NoError(t, s.Close())
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	s, err := NewFile("run-1", path, WithSyncPolicy(SyncEveryEvent))
	require.NoError(t, err)

	_, err = s.Emit(trace.EventRunStart, nil, trace.RunStart{PolicyName: "p", PolicyHash: "abc"})
	require.NoError(t, err)
	_, err = s.Emit(trace.EventRunEnd, nil, trace.RunEnd{Status: "SUCCESS"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	events, err := trace.Reader{Strict: true}.ReadAll(strings.NewReader(string(raw)))
	require.NoError(t, err)
	require.Len(t, events, 2)
	start, err := trace.Payload[trace.RunStart](events[0])
	require.NoError(t, err)
	assert.Equal(t, "abc", start.PolicyHash)
}
