package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcprouter/mcprouter/internal/domain/audit"
	"github.com/mcprouter/mcprouter/internal/observability"
)

// AuditService drains tool-dispatch audit records onto a buffered channel
// and writes them to the audit store in batches from a single background
// worker, so a slow or unavailable store never adds latency to a tool call
// on the hot path.
type AuditService struct {
	store   audit.AuditStore
	queue   chan audit.AuditRecord
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *observability.Metrics

	batchSize     int
	flushInterval time.Duration

	queueCapacity int
	sendTimeout   time.Duration
	dropCount     atomic.Int64

	warnAtPercent int
	lastWarnedAt  atomic.Int64

	burstAtPercent int
}

// AuditOption configures an AuditService before Start is called.
type AuditOption func(*AuditService)

// WithBatchSize sets how many records accumulate before a flush.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the ticker period that flushes a partial batch.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize replaces the default queue buffer with one of the given
// capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.queue = make(chan audit.AuditRecord, size)
		s.queueCapacity = size
	}
}

// WithSendTimeout bounds how long Record blocks once the queue is full
// before giving up and dropping the record. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the queue-depth percentage (0-100) past which
// Record logs a rate-limited capacity warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warnAtPercent = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the queue-depth percentage past which the
// worker's flush ticker runs at quarter its configured interval. Zero
// disables the burst behavior and the worker always flushes at the
// configured interval.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.burstAtPercent = clampPercent(percent)
	}
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// NewAuditService wires an AuditService against store, applying opts over a
// set of defaults sized for a single upstream dispatcher under normal load.
// metrics may be nil, in which case the queue-depth gauge and drop counter
// are skipped.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, metrics *observability.Metrics, opts ...AuditOption) *AuditService {
	const defaultQueueCapacity = 1000
	s := &AuditService{
		store:          store,
		queue:          make(chan audit.AuditRecord, defaultQueueCapacity),
		logger:         logger,
		metrics:        metrics,
		batchSize:      100,
		flushInterval:  time.Second,
		queueCapacity:  defaultQueueCapacity,
		sendTimeout:    100 * time.Millisecond,
		warnAtPercent:  80,
		burstAtPercent: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the batching worker. Call once; Stop ends it.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record enqueues an audit record for the background worker. The send
// tries a non-blocking path first; if the queue is full it blocks up to
// sendTimeout before dropping the record and counting the drop.
func (s *AuditService) Record(record audit.AuditRecord) {
	if s.warnAtPercent > 0 {
		if depth := len(s.queue); depth*100/s.queueCapacity >= s.warnAtPercent {
			s.warnQueueDepth(depth)
		}
	}

	select {
	case s.queue <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.drop(record)
		return
	}

	select {
	case s.queue <- record:
	case <-time.After(s.sendTimeout):
		s.drop(record)
	}
}

func (s *AuditService) drop(record audit.AuditRecord) {
	total := s.dropCount.Add(1)
	s.metrics.RecordAuditDrop()
	s.logger.Warn("audit record dropped: queue full past send timeout",
		"event", record.EventType,
		"upstream", record.Upstream,
		"tool", record.Tool,
		"session", record.SessionID,
		"total_dropped", total,
	)
}

// warnQueueDepth logs a capacity warning, rate-limited to once per second
// via a compare-and-swap on the last-warned timestamp so concurrent callers
// don't all win the race and spam the log.
func (s *AuditService) warnQueueDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarnedAt.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarnedAt.CompareAndSwap(last, now) {
		s.logger.Warn("audit queue approaching capacity",
			"depth", depth,
			"capacity", s.queueCapacity,
			"percent", depth*100/s.queueCapacity,
		)
	}
}

// DroppedRecords returns the cumulative number of records dropped since
// this service started.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// QueueDepth returns the queue's current length.
func (s *AuditService) QueueDepth() int {
	return len(s.queue)
}

// QueueCapacity returns the queue's fixed buffer size.
func (s *AuditService) QueueCapacity() int {
	return s.queueCapacity
}

func (s *AuditService) queueDepthPercent() int {
	return len(s.queue) * 100 / s.queueCapacity
}

// Stop closes the queue and waits for the worker to flush whatever remains
// and exit. Call at most once.
func (s *AuditService) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// worker accumulates records into batches and writes them to the store
// either when a batch fills, on a fixed interval, or — under sustained
// queue pressure — on a shortened interval until the pressure subsides.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	burst := false

	for {
		select {
		case record, ok := <-s.queue:
			if !ok {
				s.drainFinal(batch)
				return
			}
			batch = append(batch, record)
			s.metrics.SetAuditQueueDepth(len(s.queue))

			if len(batch) >= s.batchSize || s.underPressure() {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			burst = s.adjustCadence(ticker, burst)

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for record := range s.queue {
				batch = append(batch, record)
			}
			s.drainFinal(batch)
			return
		}
	}
}

// underPressure reports whether the queue has crossed the adaptive flush
// threshold and a partial batch should go out early rather than wait for
// the next tick or a full batch.
func (s *AuditService) underPressure() bool {
	return s.burstAtPercent > 0 && s.queueDepthPercent() >= s.burstAtPercent
}

// adjustCadence resets the flush ticker to a quarter of its configured
// interval while underPressure holds, and restores it once the queue
// drains back below threshold. Returns the burst state for the caller to
// carry into the next iteration.
func (s *AuditService) adjustCadence(ticker *time.Ticker, burst bool) bool {
	if s.burstAtPercent == 0 {
		return burst
	}
	pressured := s.underPressure()

	switch {
	case pressured && !burst:
		ticker.Reset(s.flushInterval / 4)
		s.logger.Debug("audit flush entering burst cadence", "interval", s.flushInterval/4)
		return true
	case !pressured && burst:
		ticker.Reset(s.flushInterval)
		s.logger.Debug("audit flush returning to normal cadence", "interval", s.flushInterval)
		return false
	default:
		return burst
	}
}

// drainFinal flushes whatever remains of batch with a bounded deadline,
// used on both normal shutdown (queue closed) and context cancellation.
func (s *AuditService) drainFinal(batch []audit.AuditRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes one batch to the store. A write failure is logged, not
// returned: audit persistence never holds up tool dispatch.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("audit batch write failed", "error", err, "count", len(batch))
	}
}
