package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// RetryManager classifies handler failures and routes them to a delayed
// republish or the DLQ, mirroring the teacher's
// internal/adapter/queue/redpanda RetryManager shape generalized from one
// job payload type to any event envelope.
type RetryManager struct {
	producer domain.EventBus
	config   domain.RetryConfig
	attempts map[string]*domain.RetryInfo // keyed by event_id; process-local and not persisted, so counts start over after a restart
}

// NewRetryManager constructs a RetryManager publishing through producer. The
// dependency is domain.EventBus rather than the concrete *Producer so it can
// be exercised against a fake in unit tests.
func NewRetryManager(producer domain.EventBus, config domain.RetryConfig) *RetryManager {
	return &RetryManager{
		producer: producer,
		config:   config,
		attempts: make(map[string]*domain.RetryInfo),
	}
}

// Handle classifies err and either schedules a retry or moves the event to
// the DLQ topic.
func (r *RetryManager) Handle(ctx context.Context, topic string, env domain.EventEnvelope, rawValue []byte, cause error) {
	kind := domain.ClassifyError(cause)

	info, ok := r.attempts[env.EventID]
	if !ok {
		info = &domain.RetryInfo{MaxAttempts: r.config.MaxRetries, CreatedAt: time.Now()}
		r.attempts[env.EventID] = info
	}
	info.UpdateRetryAttempt(cause)

	if kind == domain.ErrorKindTransient && info.ShouldRetry(cause, r.config) {
		info.MarkAsRetrying()
		delay := info.CalculateNextRetryDelay(r.config)
		slog.Info("scheduling retry",
			slog.String("event_id", env.EventID), slog.String("topic", topic),
			slog.Duration("delay", delay), slog.Int("attempt", info.AttemptCount))
		go r.scheduleRetry(topic, env, rawValue, delay)
		return
	}

	info.MarkAsDLQ()
	r.moveToDLQ(ctx, topic, env, cause)
}

func (r *RetryManager) scheduleRetry(topic string, env domain.EventEnvelope, rawValue []byte, delay time.Duration) {
	time.Sleep(delay)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.producer.Publish(ctx, topic, env.JobID, rawValue, nil); err != nil {
		slog.Error("retry republish failed", slog.String("event_id", env.EventID), slog.Any("error", err))
	}
}

func (r *RetryManager) moveToDLQ(ctx context.Context, topic string, env domain.EventEnvelope, cause error) {
	dlq := domain.DLQJob{
		JobID:            env.JobID,
		OriginalEvent:    env,
		FailureReason:    cause.Error(),
		MovedToDLQAt:     time.Now(),
		CanBeReprocessed: domain.ClassifyError(cause) == domain.ErrorKindTransient,
	}
	b, err := json.Marshal(dlq)
	if err != nil {
		slog.Error("marshal dlq job failed", slog.String("event_id", env.EventID), slog.Any("error", err))
		return
	}
	if err := r.producer.Publish(ctx, TopicDLQ, env.JobID, b, map[string]string{"origin_topic": topic}); err != nil {
		slog.Error("publish to dlq failed", slog.String("event_id", env.EventID), slog.Any("error", err))
	}
}
