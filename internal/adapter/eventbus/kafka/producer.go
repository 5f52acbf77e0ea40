package kafka

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// Producer wraps a transactional Kafka client and implements domain.EventBus.
// A gobreaker.CircuitBreaker guards every publish so a broker outage trips
// the breaker open instead of retrying into a dead broker.
type Producer struct {
	client          *kgo.Client
	breaker         *gobreaker.CircuitBreaker
	transactionChan chan struct{}
}

// BreakerConfig configures the circuit breaker guarding publishes.
type BreakerConfig struct {
	MaxRequests uint32
	Interval    func() int64 // unused, kept for symmetry with Config field names
}

// NewProducer constructs a Producer with exactly-once semantics and a
// circuit breaker around publish, named after the service.
func NewProducer(brokers []string, transactionalID string, breakerMaxRequests uint32) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	slog.Info("creating kafka producer", slog.Any("brokers", brokers), slog.String("transactional_id", transactionalID))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		tracingOpt(),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "eventbus-publish",
		MaxRequests: breakerMaxRequests,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})

	return &Producer{
		client:          client,
		breaker:         breaker,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Publish produces a single record transactionally to topic, through the
// circuit breaker, satisfying domain.EventBus.
func (p *Producer) Publish(ctx domain.Context, topic, key string, payload []byte, headers map[string]string) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		if err := p.client.BeginTransaction(); err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}

		rec := &kgo.Record{
			Topic: topic,
			Key:   []byte(key),
			Value: payload,
		}
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		if rec.Headers == nil {
			rec.Headers = []kgo.RecordHeader{}
		}
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: "publish_id", Value: []byte(uuid.NewString())})

		e := kgo.AbortingFirstErrPromise(p.client)
		p.client.Produce(ctx, rec, e.Promise())

		if err := e.Err(); err != nil {
			if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
				slog.Error("failed to abort transaction", slog.Any("error", abortErr))
			}
			return nil, fmt.Errorf("produce: %w", err)
		}

		if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
			return nil, fmt.Errorf("commit transaction: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("publish topic=%s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
