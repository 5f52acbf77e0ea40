package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

// DLQConsumer drains dlq.events and requeues jobs whose failure was
// transient (rate limit / timeout) after a cooldown window, mirroring the
// teacher's DLQConsumer generalized from a single job-payload type to any
// event envelope.
type DLQConsumer struct {
	client   *kgo.Client
	producer domain.EventBus
	cooldown time.Duration
	shutdown chan struct{}
}

// NewDLQConsumer constructs a DLQConsumer. producer is domain.EventBus
// rather than the concrete *Producer so the requeue logic in process can be
// exercised against a fake in unit tests.
func NewDLQConsumer(brokers []string, groupID string, producer domain.EventBus, cooldown time.Duration) (*DLQConsumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(TopicDLQ),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
	)
	if err != nil {
		return nil, err
	}
	return &DLQConsumer{client: client, producer: producer, cooldown: cooldown, shutdown: make(chan struct{})}, nil
}

// Start begins consuming DLQ messages in the background.
func (dc *DLQConsumer) Start(ctx context.Context) error {
	go dc.loop(ctx)
	return nil
}

// Stop stops the DLQ consumer.
func (dc *DLQConsumer) Stop() {
	close(dc.shutdown)
	dc.client.Close()
}

func (dc *DLQConsumer) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dc.shutdown:
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		fetches := dc.client.PollFetches(fetchCtx)
		cancel()

		if fetches.NumRecords() == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			dc.process(ctx, rec)
		})
	}
}

func (dc *DLQConsumer) process(ctx context.Context, rec *kgo.Record) {
	var job domain.DLQJob
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		slog.Error("malformed dlq record", slog.Any("error", err))
		return
	}

	if !job.CanBeReprocessed {
		slog.Info("dlq job not reprocessable, leaving in dlq", slog.String("job_id", job.JobID))
		return
	}

	age := time.Since(job.MovedToDLQAt)
	if age < dc.cooldown {
		time.Sleep(dc.cooldown - age)
	}

	originTopic := headerValue(rec.Headers, "origin_topic")
	if originTopic == "" {
		slog.Error("dlq record missing origin topic", slog.String("job_id", job.JobID))
		return
	}

	raw, err := json.Marshal(rawEnvelope{
		EventID:    job.OriginalEvent.EventID,
		EventName:  job.OriginalEvent.EventName,
		JobID:      job.OriginalEvent.JobID,
		OccurredAt: job.OriginalEvent.OccurredAt,
		Payload:    job.OriginalEvent.Payload,
	})
	if err != nil {
		slog.Error("marshal requeued envelope failed", slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}

	if err := dc.producer.Publish(ctx, originTopic, job.JobID, raw, nil); err != nil {
		slog.Error("dlq requeue failed", slog.String("job_id", job.JobID), slog.Any("error", err))
		return
	}
	slog.Info("dlq job requeued", slog.String("job_id", job.JobID), slog.String("topic", originTopic))
}

func headerValue(headers []kgo.RecordHeader, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
