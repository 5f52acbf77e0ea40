package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tudragon/pvm-orchestrator/internal/domain"
)

func encodeDLQJob(t *testing.T, job domain.DLQJob) []byte {
	t.Helper()
	b, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("failed to marshal dlq job: %v", err)
	}
	return b
}

func TestDLQConsumer_Process_NonReprocessableIsLeftAlone(t *testing.T) {
	bus := newFakePublishBus()
	dc := &DLQConsumer{producer: bus, cooldown: time.Millisecond}

	job := domain.DLQJob{JobID: "job-1", CanBeReprocessed: false}
	rec := &kgo.Record{Value: encodeDLQJob(t, job)}

	dc.process(context.Background(), rec)

	if len(bus.published) != 0 {
		t.Fatalf("expected no requeue for a non-reprocessable dlq job, got %+v", bus.published)
	}
}

func TestDLQConsumer_Process_MissingOriginTopicIsDropped(t *testing.T) {
	bus := newFakePublishBus()
	dc := &DLQConsumer{producer: bus, cooldown: time.Millisecond}

	job := domain.DLQJob{JobID: "job-1", CanBeReprocessed: true, MovedToDLQAt: time.Now()}
	rec := &kgo.Record{Value: encodeDLQJob(t, job)}

	dc.process(context.Background(), rec)

	if len(bus.published) != 0 {
		t.Fatalf("expected no requeue without an origin_topic header, got %+v", bus.published)
	}
}

func TestDLQConsumer_Process_ReprocessableRequeuesToOriginTopic(t *testing.T) {
	bus := newFakePublishBus()
	dc := &DLQConsumer{producer: bus, cooldown: time.Millisecond}

	env := domain.EventEnvelope{EventID: "evt-1", EventName: "products.collections.completed", JobID: "job-1", Payload: []byte(`{"count":1}`)}
	job := domain.DLQJob{JobID: "job-1", OriginalEvent: env, CanBeReprocessed: true, MovedToDLQAt: time.Now().Add(-time.Hour)}
	rec := &kgo.Record{
		Value:   encodeDLQJob(t, job),
		Headers: []kgo.RecordHeader{{Key: "origin_topic", Value: []byte(TopicProductsCollectionsCompleted)}},
	}

	dc.process(context.Background(), rec)

	if len(bus.published) != 1 {
		t.Fatalf("expected exactly one requeue publish, got %d", len(bus.published))
	}
	if bus.published[0].topic != TopicProductsCollectionsCompleted {
		t.Fatalf("expected requeue to the origin topic, got %s", bus.published[0].topic)
	}
	if bus.published[0].key != "job-1" {
		t.Fatalf("expected the job id as the publish key, got %s", bus.published[0].key)
	}
}

func TestDLQConsumer_Process_WaitsOutTheCooldownWindow(t *testing.T) {
	bus := newFakePublishBus()
	cooldown := 50 * time.Millisecond
	dc := &DLQConsumer{producer: bus, cooldown: cooldown}

	env := domain.EventEnvelope{EventID: "evt-2", EventName: "products.collections.completed", JobID: "job-2"}
	job := domain.DLQJob{JobID: "job-2", OriginalEvent: env, CanBeReprocessed: true, MovedToDLQAt: time.Now()}
	rec := &kgo.Record{
		Value:   encodeDLQJob(t, job),
		Headers: []kgo.RecordHeader{{Key: "origin_topic", Value: []byte(TopicProductsCollectionsCompleted)}},
	}

	start := time.Now()
	dc.process(context.Background(), rec)
	elapsed := time.Since(start)

	if elapsed < cooldown {
		t.Fatalf("expected process to block for at least the cooldown window (%v), took %v", cooldown, elapsed)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected the job to be requeued after the cooldown, got %d publishes", len(bus.published))
	}
}

func TestHeaderValue_FindsMatchingKey(t *testing.T) {
	headers := []kgo.RecordHeader{{Key: "a", Value: []byte("1")}, {Key: "origin_topic", Value: []byte("topic-x")}}
	if got := headerValue(headers, "origin_topic"); got != "topic-x" {
		t.Fatalf("expected topic-x, got %s", got)
	}
	if got := headerValue(headers, "missing"); got != "" {
		t.Fatalf("expected empty string for a missing key, got %s", got)
	}
}
