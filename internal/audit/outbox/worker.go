package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"fides/internal/audit/outbox/metrics"
	"fides/internal/platform/kafka"
)

const (
	defaultTopic        = "fides.audit.events"
	defaultBatchSize    = 100
	defaultPollInterval = 100 * time.Millisecond
	defaultRetention    = 24 * time.Hour
	maintainInterval    = 30 * time.Second
)

// Publisher delivers records to the broker. *kafka.Producer satisfies
// it.
type Publisher interface {
	Produce(ctx context.Context, msg *kafka.Message) error
}

// Worker polls the outbox store and relays pending entries to the
// broker. Delivery is at-least-once: an entry published but not marked
// is sent again on the next poll, and consumers deduplicate on the
// entry id carried as the record key.
type Worker struct {
	store        Store
	publisher    Publisher
	topic        string
	batchSize    int
	pollInterval time.Duration
	retention    time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithTopic overrides the destination topic.
func WithTopic(topic string) WorkerOption {
	return func(w *Worker) {
		w.topic = topic
	}
}

// WithBatchSize caps how many entries one poll fetches.
func WithBatchSize(size int) WorkerOption {
	return func(w *Worker) {
		w.batchSize = size
	}
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollInterval = interval
	}
}

// WithRetention sets how long delivered entries are kept before the
// sweep removes them. Zero or negative disables pruning.
func WithRetention(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retention = d
	}
}

// WithWorkerMetrics attaches delivery metrics.
func WithWorkerMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithWorkerLogger attaches a logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a stopped worker. Call Start to begin polling.
func NewWorker(store Store, publisher Publisher, opts ...WorkerOption) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{
		store:        store,
		publisher:    publisher,
		topic:        defaultTopic,
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		retention:    defaultRetention,
		ctx:          ctx,
		cancel:       cancel,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start launches the delivery and maintenance loops.
func (w *Worker) Start() {
	w.wg.Add(2)
	go w.deliverLoop()
	go w.maintainLoop()
}

func (w *Worker) deliverLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case <-ticker.C:
			w.deliverBatch(w.ctx)
		}
	}
}

// deliverBatch fetches one batch of pending entries and relays them.
// Returns how many entries were delivered and marked.
func (w *Worker) deliverBatch(ctx context.Context) int {
	start := time.Now()

	entries, err := w.store.FetchUnprocessed(ctx, w.batchSize)
	if err != nil {
		w.logError("fetch outbox entries", err)
		if w.metrics != nil {
			w.metrics.IncPublishFailures()
		}
		return 0
	}

	if len(entries) == 0 {
		return 0
	}

	if w.metrics != nil {
		w.metrics.ObserveBatchSize(len(entries))
	}

	delivered := 0
	for _, entry := range entries {
		if err := w.publish(ctx, entry); err != nil {
			w.logError("publish outbox entry", err, "id", entry.ID, "event_type", entry.EventType)
			if w.metrics != nil {
				w.metrics.IncPublishFailures()
			}
			// Left pending, retried on the next poll.
			continue
		}

		if err := w.store.MarkProcessed(ctx, entry.ID, time.Now().UTC()); err != nil {
			// Published but unmarked entries go out again; consumers
			// deduplicate on the record key.
			w.logError("mark outbox entry processed", err, "id", entry.ID)
			continue
		}

		delivered++
		if w.metrics != nil {
			w.metrics.IncPublished()
		}
	}

	if w.metrics != nil {
		w.metrics.ObservePollDuration(time.Since(start).Seconds())
	}

	return delivered
}

// publish relays a single entry. The entry id becomes the record key
// and the aggregate fields travel as headers so consumers can route
// without decoding the payload.
func (w *Worker) publish(ctx context.Context, entry *Entry) error {
	start := time.Now()

	msg := &kafka.Message{
		Topic: w.topic,
		Key:   []byte(entry.ID.String()),
		Value: entry.Payload,
		Headers: map[string]string{
			"aggregate_type": entry.AggregateType,
			"aggregate_id":   entry.AggregateID,
			"event_type":     entry.EventType,
		},
	}

	if err := w.publisher.Produce(ctx, msg); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.ObservePublishDuration(time.Since(start).Seconds())
	}

	return nil
}

func (w *Worker) maintainLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(maintainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if err := w.UpdateMetrics(w.ctx); err != nil {
				w.logError("update outbox metrics", err)
			}
			w.sweep(w.ctx)
		}
	}
}

// drain flushes remaining entries during shutdown under a fresh
// short-lived context.
func (w *Worker) drain() {
	w.logInfo("draining audit outbox")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.deliverBatch(ctx) == 0 {
			return
		}
	}
}

// sweep removes delivered entries older than the retention window.
func (w *Worker) sweep(ctx context.Context) {
	if w.retention <= 0 {
		return
	}

	cutoff := time.Now().UTC().Add(-w.retention)
	pruned, err := w.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		w.logError("prune outbox entries", err)
		return
	}

	if pruned > 0 {
		if w.metrics != nil {
			w.metrics.AddPruned(pruned)
		}
		w.logInfo("pruned delivered outbox entries", "count", pruned)
	}
}

// Stop shuts the loops down and waits for the final drain, bounded by
// ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateMetrics refreshes the pending depth gauge.
func (w *Worker) UpdateMetrics(ctx context.Context) error {
	if w.metrics == nil {
		return nil
	}

	count, err := w.store.CountPending(ctx)
	if err != nil {
		return err
	}

	w.metrics.SetPendingDepth(count)
	return nil
}

func (w *Worker) logError(msg string, err error, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Error(msg, append([]any{"error", err}, args...)...)
}

func (w *Worker) logInfo(msg string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Info(msg, args...)
}
