// Package telemetry coalesces per-poll module events into JSON batches and
// flushes them to a write-only sink at a fixed cadence, using
// microbatch.Batcher as the debounce/coalesce engine.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"go.uber.org/zap"
)

// Event is one module observation folded into a batch.
type Event struct {
	Name    string         `json:"event"`
	Address uint8          `json:"-"`
	Data    map[string]any `json:"data"`
}

// envelope is the wire shape: {"type":"batch","events":[...]}.
type envelope struct {
	Type   string  `json:"type"`
	Events []Event `json:"events"`
}

// Sink receives an already-serialized batch envelope.
type Sink interface {
	WriteBatch(ctx context.Context, payload []byte) error
}

// WriterSink adapts any io.Writer (a socket, file, or in-memory buffer in
// tests) into a Sink by writing one JSON line per batch.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink { return &WriterSink{w: w} }

func (s *WriterSink) WriteBatch(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	_, err := s.w.Write([]byte("\n"))
	return err
}

// DefaultFlushInterval is the 2 Hz debounce the telemetry sink targets.
const DefaultFlushInterval = 500 * time.Millisecond

// Batcher coalesces Events into JSON batch envelopes.
type Batcher struct {
	b    *microbatch.Batcher[Event]
	sink Sink
	log  *zap.Logger
}

// NewBatcher builds a Batcher flushing to sink at most every flushInterval
// (DefaultFlushInterval if zero). Size-based flushing is disabled — only
// time triggers a flush, matching the "debounce to 2 Hz" requirement rather
// than a count-based cap.
func NewBatcher(sink Sink, flushInterval time.Duration, log *zap.Logger) *Batcher {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	tb := &Batcher{sink: sink, log: log}
	tb.b = microbatch.NewBatcher[Event](&microbatch.BatcherConfig{
		MaxSize:        -1,
		FlushInterval:  flushInterval,
		MaxConcurrency: 1,
	}, tb.flush)
	return tb
}

func (tb *Batcher) flush(ctx context.Context, events []Event) error {
	env := envelope{Type: "batch", Events: events}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.log.Error("telemetry batch marshal failed", zap.Error(err))
		return err
	}
	if err := tb.sink.WriteBatch(ctx, payload); err != nil {
		tb.log.Warn("telemetry sink write failed", zap.Error(err))
		return err
	}
	return nil
}

// Emit submits one event for the next batch flush. Non-blocking from the
// caller's perspective beyond the microbatch handshake; does not wait for
// the batch to actually flush.
func (tb *Batcher) Emit(ctx context.Context, ev Event) error {
	_, err := tb.b.Submit(ctx, ev)
	return err
}

// Close flushes any pending batch and stops the background flusher. Unlike
// microbatch.Batcher.Close (an immediate cancel that drops an in-flight
// batch), this calls Shutdown so the last partial batch still reaches the
// sink.
func (tb *Batcher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tb.b.Shutdown(ctx)
}
