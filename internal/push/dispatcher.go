// Package push batches outbound notifications to a pluggable delivery sink
// (APNs, FCM, or anything else implementing Sink) using the same
// queue/flush/nil-safe-receiver discipline the teacher uses for batched
// error reporting.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Notification is one outbound push, already addressed to a device token.
type Notification struct {
	DeviceToken string
	ThreadID    string
	JobID       string
	Type        string // "job.finished" | "approval.requested" | ...
	Title       string
	Body        string
	Payload     []byte
	Timestamp   time.Time
}

// Sink delivers a batch of notifications to whatever push vendor backs it.
type Sink interface {
	Send(ctx context.Context, batch []Notification) error
}

// Config configures a Dispatcher.
type Config struct {
	FlushInterval time.Duration // default 2s
	MaxBatchSize  int           // immediate flush threshold, default 25
	MaxQueueSize  int           // drop threshold, default 500
	SendTimeout   time.Duration // per-flush Sink.Send timeout, default 10s
	SendRateLimit float64       // flushes/sec allowed against the sink, default 5
	SendBurst     int           // default 2
}

// Dispatcher batches and sends notifications. A nil *Dispatcher is a no-op,
// so callers can wire one in unconditionally and skip it when no sink is
// configured.
type Dispatcher struct {
	sink    Sink
	config  Config
	log     *slog.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	queue []Notification
	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Dispatcher. sink may be nil, in which case Enqueue is a
// silent no-op (used when no push vendor is configured).
func New(sink Sink, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 25
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 500
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.SendRateLimit <= 0 {
		cfg.SendRateLimit = 5
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sink:    sink,
		config:  cfg,
		log:     logger.With("component", "push"),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRateLimit), cfg.SendBurst),
		queue:   make([]Notification, 0, cfg.MaxBatchSize),
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (d *Dispatcher) Start() {
	if d == nil || d.sink == nil {
		return
	}
	go d.flushLoop()
}

// Shutdown flushes any remaining notifications and stops the flush loop.
func (d *Dispatcher) Shutdown() {
	if d == nil || d.sink == nil {
		return
	}
	close(d.stopC)
	<-d.doneC
}

// Enqueue queues a notification for batched delivery, flushing immediately
// if the batch threshold is reached.
func (d *Dispatcher) Enqueue(n Notification) {
	if d == nil || d.sink == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	if len(d.queue) >= d.config.MaxQueueSize {
		d.mu.Unlock()
		d.log.Warn("queue full, dropping notification", "maxQueueSize", d.config.MaxQueueSize, "type", n.Type)
		return
	}
	d.queue = append(d.queue, n)
	shouldFlush := len(d.queue) >= d.config.MaxBatchSize
	d.mu.Unlock()

	if shouldFlush {
		go d.flush()
	}
}

func (d *Dispatcher) flushLoop() {
	defer close(d.doneC)

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopC:
			d.flush()
			return
		case <-ticker.C:
			d.flush()
		}
	}
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.queue
	d.queue = make([]Notification, 0, d.config.MaxBatchSize)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.SendTimeout)
	defer cancel()

	// Push vendors (APNs, FCM) impose their own per-sender rate limits; this
	// throttles flush-to-sink calls independently of how fast notifications
	// are enqueued, so a burst of jobs finishing at once doesn't get the
	// worker's credentials rate-limited upstream.
	if err := d.limiter.Wait(ctx); err != nil {
		d.log.Warn("push rate limiter wait aborted", "error", err)
		return
	}

	if err := d.sink.Send(ctx, batch); err != nil {
		d.log.Error("push sink send failed", "count", len(batch), "error", err)
	}
}
