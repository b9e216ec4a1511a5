// Package events delivers registry events to logs and to the storage archive.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ruteri/tee-solver-registry/interfaces"
)

// EventLogPrefix marks event lines in the log, as NEAR indexers expect.
const EventLogPrefix = "EVENT_JSON:"

// LogSink writes each event as a single structured log record.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(ctx context.Context, event interfaces.Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		s.log.Error("failed to encode event", "event", event.Kind, "err", err)
		return
	}
	s.log.InfoContext(ctx, EventLogPrefix+string(encoded), "event", event.Kind)
}

// ArchiveSink stores every event in a content-addressed storage backend.
// Failures are logged and never surfaced to the emitter.
type ArchiveSink struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewArchiveSink(backend interfaces.StorageBackend, log *slog.Logger) *ArchiveSink {
	return &ArchiveSink{backend: backend, log: log}
}

func (s *ArchiveSink) Emit(ctx context.Context, event interfaces.Event) {
	encoded, err := json.Marshal(event)
	if err != nil {
		s.log.Error("failed to encode event", "event", event.Kind, "err", err)
		return
	}

	id, err := s.backend.Store(ctx, encoded, interfaces.EventRecordType)
	if err != nil {
		s.log.Warn("failed to archive event", "event", event.Kind, "backend", s.backend.Name(), "err", err)
		return
	}
	s.log.Debug("archived event", "event", event.Kind, "id", id.String())
}

// MultiSink fans an event out to every sink in order.
type MultiSink []interfaces.EventSink

func (m MultiSink) Emit(ctx context.Context, event interfaces.Event) {
	for _, sink := range m {
		sink.Emit(ctx, event)
	}
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.Event
}

func (r *Recorder) Emit(_ context.Context, event interfaces.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []interfaces.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interfaces.Event(nil), r.events...)
}

// Kinds returns the kinds of recorded events in emission order.
func (r *Recorder) Kinds() []interfaces.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]interfaces.EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}
