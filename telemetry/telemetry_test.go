package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordingSink captures every WriteBatch payload for inspection.
type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) WriteBatch(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte{}, payload...)
	s.payloads = append(s.payloads, cp)
	return nil
}

func (s *recordingSink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.payloads...)
}

func TestBatcherFlushesOnInterval(t *testing.T) {
	sink := &recordingSink{}
	b := NewBatcher(sink, 20*time.Millisecond, nil)
	defer b.Close()

	if err := b.Emit(context.Background(), Event{Name: "online", Address: 0x02}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	deadline := time.After(time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no batch flushed within 1s of the 20ms flush interval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	var env envelope
	if err := json.Unmarshal(sink.all()[0], &env); err != nil {
		t.Fatalf("flushed payload did not unmarshal: %v", err)
	}
	if env.Type != "batch" || len(env.Events) != 1 || env.Events[0].Name != "online" {
		t.Fatalf("got envelope %+v, want one 'online' event", env)
	}
}

func TestBatcherDoesNotFlushBeforeInterval(t *testing.T) {
	sink := &recordingSink{}
	b := NewBatcher(sink, time.Hour, nil)
	defer b.Close()

	if err := b.Emit(context.Background(), Event{Name: "online"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if len(sink.all()) != 0 {
		t.Fatalf("got %d flushes before the flush interval elapsed, want 0", len(sink.all()))
	}
}

func TestBatcherCloseFlushesPendingBatch(t *testing.T) {
	sink := &recordingSink{}
	b := NewBatcher(sink, time.Hour, nil)

	if err := b.Emit(context.Background(), Event{Name: "offline"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.all()) != 1 {
		t.Fatalf("got %d flushes after Close, want 1 (Close must flush the pending batch)", len(sink.all()))
	}
}

func TestWriterSinkWritesNewlineDelimitedPayloads(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	if err := sink.WriteBatch(context.Background(), []byte(`{"type":"batch"}`)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := sink.WriteBatch(context.Background(), []byte(`{"type":"batch"}`)); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}
