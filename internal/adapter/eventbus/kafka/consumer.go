package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/semaphore"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// envelopeValidator checks every decoded rawEnvelope against its validate
// struct tags before it reaches a handler, so a malformed record never
// reaches C2's dedup ledger with a blank job_id/event_id.
var envelopeValidator = validator.New()

// Handler processes one event envelope. Handlers are pure with respect to
// the bus: all side effects go through domain ports passed in at
// construction time, so C4/C5 stay unit-testable without a broker.
type Handler func(ctx context.Context, env domain.EventEnvelope) error

// Dispatcher is the static topic→handler table spec.md §9 directs in place
// of dynamic event dispatch: one sealed entry per topic, no runtime
// registration.
type Dispatcher map[string]Handler

// rawEnvelope is the wire shape of every event on the bus.
type rawEnvelope struct {
	EventID    string          `json:"event_id" validate:"required"`
	EventName  string          `json:"event_name" validate:"required"`
	JobID      string          `json:"job_id" validate:"required"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Consumer is a consumer-group client with manual offset commits that fans
// incoming records out to a bounded worker pool and dispatches each to its topic's Handler.
type Consumer struct {
	client      *kgo.Client
	dispatch    Dispatcher
	sem         *semaphore.Weighted
	handlerDL   time.Duration
	retryMgr    *RetryManager
	groupID     string
}

// ConsumerConfig configures the pool shape and per-handler deadline.
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	Prefetch         int64
	HandlerDeadline  time.Duration
}

// NewConsumer constructs a Consumer bound to dispatch.
func NewConsumer(cfg ConsumerConfig, dispatch Dispatcher, retryMgr *RetryManager) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.FetchMaxBytes(5<<20),
		kgo.DisableAutoCommit(),
		tracingOpt(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer client: %w", err)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}

	return &Consumer{
		client:    client,
		dispatch:  dispatch,
		sem:       semaphore.NewWeighted(prefetch),
		handlerDL: cfg.HandlerDeadline,
		retryMgr:  retryMgr,
		groupID:   cfg.GroupID,
	}, nil
}

// Run polls until ctx is cancelled, fanning records out to the bounded
// worker pool. Each record's handler runs under its own deadline and is
// acknowledged (committed) only after the handler returns nil or the retry
// manager has taken ownership of the failure.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("fetch error", slog.String("topic", e.Topic), slog.Any("error", e.Err))
			}
		}

		var wg sync.WaitGroup
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(rec *kgo.Record) {
				defer wg.Done()
				defer c.sem.Release(1)
				c.handle(ctx, rec)
			}(rec)
		})
		wg.Wait()

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			slog.Error("commit offsets failed", slog.Any("error", err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	handler, ok := c.dispatch[rec.Topic]
	if !ok {
		slog.Warn("no handler registered for topic", slog.String("topic", rec.Topic))
		return
	}

	var raw rawEnvelope
	if err := json.Unmarshal(rec.Value, &raw); err != nil {
		slog.Error("dropping malformed envelope", slog.String("topic", rec.Topic), slog.Any("error", err))
		return
	}
	if err := envelopeValidator.Struct(raw); err != nil {
		slog.Error("dropping invalid envelope", slog.String("topic", rec.Topic), slog.Any("error", err))
		return
	}

	env := domain.EventEnvelope{
		EventID:    raw.EventID,
		EventName:  raw.EventName,
		JobID:      raw.JobID,
		OccurredAt: raw.OccurredAt,
		Payload:    raw.Payload,
	}

	hctx, cancel := context.WithTimeout(ctx, c.handlerDL)
	defer cancel()

	logger := slog.With(
		slog.String("job_id", env.JobID),
		slog.String("event_id", env.EventID),
		slog.String("event_name", env.EventName),
	)

	if err := handler(hctx, env); err != nil {
		logger.Error("handler failed", slog.Any("error", err))
		if c.retryMgr != nil {
			c.retryMgr.Handle(ctx, rec.Topic, env, rec.Value, err)
		}
		return
	}
	logger.Debug("handler succeeded")
}

// Close closes the underlying client.
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
