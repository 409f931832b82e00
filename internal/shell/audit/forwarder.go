package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/artpar/conductor/internal/shell/store"
)

// =============================================================================
// Background Forwarder
// =============================================================================

// Forwarder ships stored, unreported audit events to a collector in batches.
type Forwarder struct {
	store     store.AuditStore
	client    Client
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// ForwarderConfig holds configuration for the forwarder.
type ForwarderConfig struct {
	Store     store.AuditStore
	Client    Client
	Interval  time.Duration
	BatchSize int
	Clock     func() time.Time
	Logger    *slog.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Forwarder{
		store:     cfg.Store,
		client:    cfg.Client,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       cfg.Clock,
		logger:    cfg.Logger.With("component", "audit_forwarder"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the forwarding loop until Stop is called or ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	f.logger.Info("starting audit forwarder",
		"interval", f.interval,
		"batch_size", f.batchSize,
	)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer close(f.doneCh)

	// Forward anything left over from a previous run
	f.forwardBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("audit forwarder stopped due to context cancellation")
			return
		case <-f.stopCh:
			f.logger.Info("audit forwarder stopped")
			return
		case <-ticker.C:
			f.forwardBatch(ctx)
		}
	}
}

// Stop signals the forwarder to stop and waits for it to finish.
func (f *Forwarder) Stop() {
	close(f.stopCh)
	<-f.doneCh
}

// Flush forwards batches until nothing is pending or a batch fails.
// It returns how many events were forwarded.
func (f *Forwarder) Flush(ctx context.Context) int {
	total := 0
	for {
		n := f.forwardBatch(ctx)
		total += n
		if n < f.batchSize {
			return total
		}
	}
}

// forwardBatch sends one batch and marks it reported.
func (f *Forwarder) forwardBatch(ctx context.Context) int {
	events, err := f.store.GetUnreportedAuditEvents(ctx, f.batchSize)
	if err != nil {
		f.logger.Error("failed to get unreported audit events", "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	if err := f.client.SendBatch(ctx, events); err != nil {
		f.logger.Error("failed to forward audit events",
			"error", err,
			"count", len(events),
		)
		return 0
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := f.store.MarkAuditEventsReported(ctx, ids, f.now()); err != nil {
		f.logger.Error("failed to mark audit events as reported",
			"error", err,
			"count", len(ids),
		)
		return 0
	}

	f.logger.Debug("forwarded audit events", "count", len(events))
	return len(events)
}
