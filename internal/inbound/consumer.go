package inbound

import (
	"context"
	"log/slog"
	"time"

	"github.com/marko911/sitb-ckg/internal/bus"
	"github.com/marko911/sitb-ckg/internal/metrics"
)

// Puller is the subscriber side of the bus facade.
type Puller interface {
	Pull(ctx context.Context, subscription string, max int) []bus.Message
	Outstanding(ctx context.Context, subscription string) (int, error)
}

// FlowControl bounds how much unacknowledged work the consumer takes on.
type FlowControl struct {
	Enabled                bool
	MaxOutstandingMessages int
	MaxOutstandingBytes    int64
}

// ConsumerConfig configures the pull loop.
type ConsumerConfig struct {
	Subscription     string
	MaxMessages      int
	Sleep            time.Duration
	FlowControl      FlowControl
	ProgressInterval time.Duration
}

// Consumer runs the pull, process, sleep loop until its context is
// cancelled. A batch that has been pulled is always processed to the end.
type Consumer struct {
	cfg      ConsumerConfig
	bus      Puller
	receiver *Receiver
	logger   *slog.Logger
	now      func() time.Time

	started      time.Time
	lastProgress time.Time
	total        int
	handled      int
	skipNext     bool
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig, puller Puller, receiver *Receiver, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = time.Minute
	}
	return &Consumer{
		cfg:      cfg,
		bus:      puller,
		receiver: receiver,
		logger:   logger.With("component", "consumer", "subscription", cfg.Subscription),
		now:      time.Now,
	}
}

// Run loops until ctx is cancelled and returns nil on a clean stop.
func (c *Consumer) Run(ctx context.Context) error {
	c.started = c.now()
	c.lastProgress = c.started

	c.logger.Info("consumer started",
		"max_messages", c.cfg.MaxMessages,
		"sleep", c.cfg.Sleep,
		"flow_control", c.cfg.FlowControl.Enabled,
	)

	for {
		if ctx.Err() != nil {
			break
		}

		c.Cycle(ctx)
		c.progress()

		if !sleep(ctx, c.cfg.Sleep) {
			break
		}
	}

	c.logger.Info("consumer stopped",
		"total", c.total,
		"handled", c.handled,
		"runtime", c.now().Sub(c.started).Round(time.Second),
	)
	return nil
}

// Cycle runs one pull and processes what it returns. It reports whether a
// pull was made.
func (c *Consumer) Cycle(ctx context.Context) bool {
	if c.skipNext {
		c.skipNext = false
		c.logger.Info("skipping pull, previous batch exceeded byte limit",
			"max_outstanding_bytes", c.cfg.FlowControl.MaxOutstandingBytes,
		)
		return false
	}
	if c.overLimit(ctx) {
		return false
	}

	start := c.now()
	msgs := c.bus.Pull(ctx, c.cfg.Subscription, c.cfg.MaxMessages)
	if len(msgs) == 0 {
		c.logger.Debug("no messages")
		return true
	}

	// A pulled batch is finished even if a stop arrives meanwhile.
	report, err := c.receiver.Process(context.WithoutCancel(ctx), msgs)
	if err != nil {
		c.logger.Error("batch processing failed", "messages", len(msgs), "error", err)
	}

	elapsed := c.now().Sub(start)
	metrics.Get().CycleSeconds.Observe(elapsed.Seconds())

	c.total += report.Total
	c.handled += report.Handled()
	c.logger.Info("batch processed",
		"processed", report.Handled(),
		"total", report.Total,
		"success_rate", percent(report.Handled(), report.Total),
		"duplicates", report.Duplicates,
		"ignored", report.Ignored,
		"rejected", report.Rejected,
		"failed", report.Failed,
		"acked", report.Acked,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"duration", elapsed,
	)

	if fc := c.cfg.FlowControl; fc.Enabled && fc.MaxOutstandingBytes > 0 {
		var size int64
		for _, m := range msgs {
			size += m.Size()
		}
		if size >= fc.MaxOutstandingBytes {
			c.skipNext = true
		}
	}
	return true
}

func (c *Consumer) overLimit(ctx context.Context) bool {
	fc := c.cfg.FlowControl
	if !fc.Enabled || fc.MaxOutstandingMessages <= 0 {
		return false
	}

	n, err := c.bus.Outstanding(ctx, c.cfg.Subscription)
	if err != nil {
		c.logger.Warn("outstanding count unavailable, pulling anyway", "error", err)
		return false
	}
	metrics.Get().Outstanding.Set(float64(n))

	if n >= fc.MaxOutstandingMessages {
		c.logger.Info("skipping pull, outstanding limit reached",
			"outstanding", n,
			"max_outstanding_messages", fc.MaxOutstandingMessages,
		)
		return true
	}
	return false
}

func (c *Consumer) progress() {
	now := c.now()
	if now.Sub(c.lastProgress) < c.cfg.ProgressInterval {
		return
	}
	c.lastProgress = now

	runtime := now.Sub(c.started)
	rate := 0.0
	if secs := runtime.Seconds(); secs > 0 {
		rate = float64(c.total) / secs
	}
	c.logger.Info("consumer progress",
		"runtime", runtime.Round(time.Second),
		"total", c.total,
		"handled", c.handled,
		"messages_per_second", rate,
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100 / float64(total)
}
