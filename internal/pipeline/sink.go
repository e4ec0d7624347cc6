package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Sink consumes emitted metric events.
// Params: context and one event payload.
// Returns: error if sink cannot process event.
type Sink interface {
	Consume(ctx context.Context, event Event) error
}

// PassSink is a Sink that needs to know where one sampling pass ends.
// Params: ctx lifecycle context; dt pass timestamp in unix milliseconds.
// Returns: error if the pass cannot be committed.
type PassSink interface {
	Sink
	EndPass(ctx context.Context, dt uint64) error
}

// LogSink writes event payloads into debug logs.
// Params: logger used for output.
// Returns: debug sink instance.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a debug sink.
// Params: logger instance.
// Returns: event sink implementation.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Consume logs one event as compact JSON.
// Params: ctx gates debug level check; event payload to log.
// Returns: marshal error when payload cannot be encoded.
func (s *LogSink) Consume(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.logger.Debug(
		"metric event",
		slog.String("cpu", event.PluginInstance),
		slog.String("type", event.Type),
		slog.String("payload", string(payload)),
	)

	return nil
}

// MultiSink dispatches one event to multiple sink implementations.
// Params: sink list.
// Returns: composite sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds composite sink from sink list, skipping nil entries.
// Params: sinks target list.
// Returns: multi sink implementation.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		out = append(out, sink)
	}
	return &MultiSink{sinks: out}
}

// Consume forwards event to each child sink.
// Params: ctx consume context; event payload.
// Returns: first error from downstream sinks, if any.
func (s *MultiSink) Consume(ctx context.Context, event Event) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Consume(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EndPass forwards the pass boundary to children implementing PassSink.
// Params: ctx lifecycle context; dt pass timestamp.
// Returns: first error from downstream sinks, if any.
func (s *MultiSink) EndPass(ctx context.Context, dt uint64) error {
	var firstErr error
	for _, sink := range s.sinks {
		passSink, ok := sink.(PassSink)
		if !ok {
			continue
		}
		if err := passSink.EndPass(ctx, dt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
