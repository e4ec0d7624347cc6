package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cpufreqd/internal/config"
)

const (
	collectorInputBuffer  = 4096
	collectorFlushTick    = time.Second
	collectorShutdownWait = 10 * time.Second
)

// CollectorSink fans events out to one delivery worker per collector.
// Params: collector worker list.
// Returns: sink implementation with lifecycle goroutines.
type CollectorSink struct {
	workers []*collectorWorker
	logger  *slog.Logger
	sender  CollectorSender

	done      chan struct{}
	closeOnce sync.Once
}

type collectorWorker struct {
	name   string
	cfg    config.CollectorConfig
	addrs  []string
	logger *slog.Logger
	sender CollectorSender
	queue  *DiskQueue
	now    func() time.Time

	input chan Event

	batch      []Event
	batchStart time.Time
}

// NewCollectorSink opens queues, starts one worker per collector and returns the sink.
// Params: ctx lifecycle context; collectors config list; logger root logger; sender transport implementation.
// Returns: collector sink or error (already opened queues are closed on error).
func NewCollectorSink(
	ctx context.Context,
	collectors []config.CollectorConfig,
	logger *slog.Logger,
	sender CollectorSender,
) (*CollectorSink, error) {
	if len(collectors) == 0 {
		return nil, fmt.Errorf("collector list is empty")
	}
	if sender == nil {
		return nil, fmt.Errorf("collector sender is nil")
	}

	sink := &CollectorSink{
		workers: make([]*collectorWorker, 0, len(collectors)),
		logger:  logger,
		sender:  sender,
		done:    make(chan struct{}),
	}

	for idx, cfg := range collectors {
		worker, err := newCollectorWorker(idx, cfg, logger, sender)
		if err != nil {
			for _, opened := range sink.workers {
				opened.closeQueue()
			}
			return nil, err
		}
		sink.workers = append(sink.workers, worker)
	}

	var wg sync.WaitGroup
	wg.Add(len(sink.workers))
	for _, worker := range sink.workers {
		go func(active *collectorWorker) {
			defer wg.Done()
			active.run(ctx)
		}(worker)
	}
	go func() {
		wg.Wait()
		sink.closeSender()
		close(sink.done)
	}()

	return sink, nil
}

func newCollectorWorker(idx int, cfg config.CollectorConfig, logger *slog.Logger, sender CollectorSender) (*collectorWorker, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = fmt.Sprintf("collector-%d", idx)
	}

	addrs := make([]string, 0, len(cfg.Addr))
	for _, addr := range cfg.Addr {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}

	worker := &collectorWorker{
		name:   name,
		cfg:    cfg,
		addrs:  addrs,
		logger: logger.With(slog.String("collector", name)),
		sender: sender,
		now:    time.Now,
		input:  make(chan Event, collectorInputBuffer),
		batch:  make([]Event, 0, cfg.Batch.MaxEvents),
	}

	if cfg.Queue.Enabled {
		queue, err := OpenDiskQueue(cfg.Queue.Dir, cfg.Queue.MaxEvents, cfg.Queue.MaxAge.Duration)
		if err != nil {
			return nil, fmt.Errorf("init queue for %s: %w", name, err)
		}
		worker.queue = queue
		if pending := queue.Pending(); pending > 0 {
			worker.logger.Info("restored spooled batches", slog.Uint64("pending", pending))
		}
	}

	return worker, nil
}

// Consume hands event to every collector worker.
// Params: ctx consume context; event payload.
// Returns: context error when canceled while a worker input is full.
func (s *CollectorSink) Consume(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for _, worker := range s.workers {
		select {
		case worker.input <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Done is closed once every worker finished its final flush.
// Params: none.
// Returns: completion channel.
func (s *CollectorSink) Done() <-chan struct{} {
	return s.done
}

func (s *CollectorSink) closeSender() {
	s.closeOnce.Do(func() {
		closer, ok := s.sender.(interface{ Close() error })
		if !ok {
			return
		}
		if err := closer.Close(); err != nil {
			s.logger.Error("close collector sender failed", slog.String("error", err.Error()))
		}
	})
}

// run batches input events, flushes by size/age and retries spooled batches.
// Params: ctx worker lifecycle context.
// Returns: none.
func (w *collectorWorker) run(ctx context.Context) {
	defer w.closeQueue()

	flushTicker := time.NewTicker(collectorFlushTick)
	retryTicker := time.NewTicker(w.cfg.RetryInterval.Duration)
	defer flushTicker.Stop()
	defer retryTicker.Stop()

	_ = w.drainQueue(ctx)

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case event := <-w.input:
			w.appendBatch(event)
			if uint64(len(w.batch)) >= w.cfg.Batch.MaxEvents {
				w.flushBatch(ctx)
			}
		case <-flushTicker.C:
			if w.batchExpired() {
				w.flushBatch(ctx)
			}
		case <-retryTicker.C:
			_ = w.drainQueue(ctx)
		}
	}
}

// shutdown collects buffered input and makes one bounded delivery attempt.
// Params: none.
// Returns: none.
func (w *collectorWorker) shutdown() {
	for {
		select {
		case event := <-w.input:
			w.appendBatch(event)
			continue
		default:
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout())
	defer cancel()
	w.flushBatch(ctx)
	_ = w.drainQueue(ctx)
}

func (w *collectorWorker) shutdownTimeout() time.Duration {
	timeout := time.Duration(max(len(w.addrs), 1)) * w.cfg.Timeout.Duration
	if timeout <= 0 || timeout > collectorShutdownWait {
		return collectorShutdownWait
	}
	return timeout
}

func (w *collectorWorker) appendBatch(event Event) {
	if len(w.batch) == 0 {
		w.batchStart = w.now()
	}
	w.batch = append(w.batch, event)
}

func (w *collectorWorker) batchExpired() bool {
	if len(w.batch) == 0 {
		return false
	}
	return w.now().Sub(w.batchStart) >= w.cfg.Batch.MaxAge.Duration
}

// flushBatch delivers the current batch; on failure it is spooled or dropped.
// Params: ctx delivery context.
// Returns: none.
func (w *collectorWorker) flushBatch(ctx context.Context) {
	if len(w.batch) == 0 {
		return
	}
	defer func() { w.batch = w.batch[:0] }()

	err := w.failover(ctx, func(sendCtx context.Context, address string) error {
		return w.sender.SendBatch(sendCtx, address, w.batch, w.cfg.Timeout.Duration)
	})
	if err == nil {
		_ = w.drainQueue(ctx)
		return
	}

	if w.queue == nil {
		w.logger.Error(
			"collector unavailable, dropping batch (queue disabled)",
			slog.Int("events", len(w.batch)),
			slog.String("error", err.Error()),
		)
		return
	}

	payload, encodeErr := w.sender.Encode(w.batch)
	if encodeErr != nil {
		w.logger.Error("encode collector batch failed", slog.String("error", encodeErr.Error()))
		return
	}
	if queueErr := w.queue.Enqueue(payload); queueErr != nil {
		w.logger.Error(
			"enqueue failed, dropping batch",
			slog.Int("events", len(w.batch)),
			slog.String("error", queueErr.Error()),
		)
		return
	}
	w.logger.Warn(
		"collector unavailable, batch queued",
		slog.Int("events", len(w.batch)),
		slog.Int("bytes", len(payload)),
		slog.Uint64("pending", w.queue.Pending()),
	)
}

// failover tries each collector address in configured order.
// Params: ctx delivery context; sendOne callback for one address.
// Returns: nil on first success, last error when all addresses fail.
func (w *collectorWorker) failover(ctx context.Context, sendOne func(context.Context, string) error) error {
	if len(w.addrs) == 0 {
		return fmt.Errorf("no collector addresses configured")
	}

	var lastErr error
	for _, address := range w.addrs {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout.Duration)
		err := sendOne(sendCtx, address)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		w.logger.Warn("send attempt failed", slog.String("address", address), slog.String("error", err.Error()))
	}
	return lastErr
}

// drainQueue resends spooled payloads oldest first until one fails.
// Params: ctx delivery context.
// Returns: nil when drained or queue disabled, otherwise the first failure.
func (w *collectorWorker) drainQueue(ctx context.Context) error {
	if w.queue == nil {
		return nil
	}

	for {
		record, err := w.queue.Peek()
		if errors.Is(err, errQueueEmpty) {
			return nil
		}
		if err != nil {
			w.logger.Error("peek queue failed", slog.String("error", err.Error()))
			return err
		}

		err = w.failover(ctx, func(sendCtx context.Context, address string) error {
			return w.sender.Send(sendCtx, address, record.payload, w.cfg.Timeout.Duration)
		})
		if err != nil {
			return err
		}
		if err := w.queue.Ack(record); err != nil {
			w.logger.Error("ack queue record failed", slog.String("error", err.Error()))
			return err
		}
	}
}

func (w *collectorWorker) closeQueue() {
	if w.queue == nil {
		return
	}
	if err := w.queue.Close(); err != nil {
		w.logger.Error("close queue failed", slog.String("error", err.Error()))
	}
}
