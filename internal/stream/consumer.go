package stream

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc processes one entry. nil means a terminal outcome and the entry is acked;
// an error leaves it pending for the reclaim sweep.
type HandlerFunc func(ctx context.Context, e Entry) error

// Group describes where a consumer reads from and how it recovers.
type Group struct {
	Stream   string
	Group    string
	Consumer string

	Count   int64
	Block   time.Duration
	Backoff time.Duration

	ReclaimInterval  time.Duration
	ReclaimMinIdle   time.Duration
	ReclaimBatch     int64
	MaxDeliveries    int64
	DeadLetterMaxLen int64
}

// Consumer is the ensure-group / poll / handle / ack loop shared by all workers.
type Consumer struct {
	q      Queue
	cfg    Group
	handle HandlerFunc
	log    *zap.Logger

	now       func() time.Time
	lastSweep time.Time
}

func NewConsumer(q Queue, cfg Group, handle HandlerFunc, log *zap.Logger) *Consumer {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = 100
	}
	return &Consumer{
		q:      q,
		cfg:    cfg,
		handle: handle,
		log: log.With(
			zap.String("stream", cfg.Stream),
			zap.String("group", cfg.Group),
			zap.String("consumer", cfg.Consumer),
		),
		now: time.Now,
	}
}

// Run creates the group and loops until ctx is cancelled. Only a failed group
// creation is returned; every other failure is logged and followed by a back-off.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.q.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	c.log.Info("consumer started")

	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		if err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("consumer loop failure, backing off",
				zap.Error(err), zap.Duration("backoff", c.cfg.Backoff))
			c.pause(ctx)
		}
	}
}

// Poll is one loop iteration: a reclaim sweep when due, then one blocking read.
func (c *Consumer) Poll(ctx context.Context) error {
	if c.sweepDue() {
		if err := c.Reclaim(ctx); err != nil {
			return fmt.Errorf("reclaim: %w", err)
		}
	}

	entries, err := c.q.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Count, c.cfg.Block)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := c.process(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim takes over entries idle longer than ReclaimMinIdle (ours or a dead
// replica's), retries them and dead-letters those past MaxDeliveries.
func (c *Consumer) Reclaim(ctx context.Context) error {
	c.lastSweep = c.now()

	pending, err := c.q.Pending(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ReclaimMinIdle, c.cfg.ReclaimBatch)
	if err != nil {
		return err
	}

	for _, p := range pending {
		claimed, err := c.q.Claim(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.ReclaimMinIdle, p.ID)
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			continue
		}

		e := claimed[0]
		e.Deliveries = p.Deliveries + 1

		if c.cfg.MaxDeliveries > 0 && e.Deliveries > c.cfg.MaxDeliveries {
			if err := c.deadLetter(ctx, e); err != nil {
				return err
			}
			continue
		}

		c.log.Warn("reclaimed pending entry",
			zap.String("entry_id", e.ID),
			zap.String("previous_consumer", p.Consumer),
			zap.Duration("idle", p.Idle),
			zap.Int64("deliveries", e.Deliveries))

		if err := c.process(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", e.ID, r)
		}
	}()

	if err := c.handle(ctx, e); err != nil {
		return fmt.Errorf("entry %s left pending: %w", e.ID, err)
	}
	return c.q.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID)
}

func (c *Consumer) deadLetter(ctx context.Context, e Entry) error {
	fields := copyFields(e.Fields)
	fields["dead_source_id"] = e.ID
	fields["dead_group"] = c.cfg.Group
	fields["dead_deliveries"] = strconv.FormatInt(e.Deliveries, 10)

	dlq := DeadLetterName(c.cfg.Stream)
	if _, err := c.q.Append(ctx, dlq, c.cfg.DeadLetterMaxLen, fields); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	if err := c.q.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID); err != nil {
		return err
	}

	c.log.Error("entry exceeded max deliveries, moved to dead-letter stream",
		zap.String("entry_id", e.ID),
		zap.String("dead_letter", dlq),
		zap.Int64("deliveries", e.Deliveries))
	return nil
}

func (c *Consumer) sweepDue() bool {
	if c.cfg.ReclaimInterval <= 0 {
		return false
	}
	return c.lastSweep.IsZero() || c.now().Sub(c.lastSweep) >= c.cfg.ReclaimInterval
}

func (c *Consumer) pause(ctx context.Context) {
	t := time.NewTimer(c.cfg.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
