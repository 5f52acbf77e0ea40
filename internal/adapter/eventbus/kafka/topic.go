// Package kafka provides the Kafka/Redpanda event bus adapter (C1): topic
// provisioning, a transactional producer, and a dynamic-worker-pool
// consumer dispatching to a typed handler table.
package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Topic names, normative per the event contract (spec §6).
const (
	TopicProductsCollectionsCompleted = "products.collections.completed"
	TopicVideosCollectionsCompleted   = "videos.collections.completed"
	TopicProductsImagesReadyBatch     = "products.images.ready.batch"
	TopicVideoKeyframesReadyBatch     = "video.keyframes.ready.batch"
	TopicImageEmbeddingReady          = "image.embedding.ready"
	TopicImageKeypointReady           = "image.keypoint.ready"
	TopicVideoEmbeddingReady          = "video.embedding.ready"
	TopicVideoKeypointReady           = "video.keypoint.ready"
	TopicImageEmbeddingsCompleted     = "image.embeddings.completed"
	TopicImageKeypointsCompleted      = "image.keypoints.completed"
	TopicVideoEmbeddingsCompleted     = "video.embeddings.completed"
	TopicVideoKeypointsCompleted      = "video.keypoints.completed"
	TopicMatchRequest                 = "match.request"
	TopicMatchResult                  = "match.result"
	TopicMatchingsProcessCompleted    = "matchings.process.completed"
	TopicEvidenceRequest              = "evidence.request"
	TopicEvidencesGenerationCompleted = "evidences.generation.completed"
	TopicJobCompleted                 = "job.completed"
	TopicJobFailed                    = "job.failed"
	TopicDLQ                          = "dlq.events"
)

// AllTopics is provisioned at startup so a fresh broker has every topic this
// service depends on, mirroring the teacher's eager topic creation.
var AllTopics = []string{
	TopicProductsCollectionsCompleted,
	TopicVideosCollectionsCompleted,
	TopicProductsImagesReadyBatch,
	TopicVideoKeyframesReadyBatch,
	TopicImageEmbeddingReady,
	TopicImageKeypointReady,
	TopicVideoEmbeddingReady,
	TopicVideoKeypointReady,
	TopicImageEmbeddingsCompleted,
	TopicImageKeypointsCompleted,
	TopicVideoEmbeddingsCompleted,
	TopicVideoKeypointsCompleted,
	TopicMatchRequest,
	TopicMatchResult,
	TopicMatchingsProcessCompleted,
	TopicEvidenceRequest,
	TopicEvidencesGenerationCompleted,
	TopicJobCompleted,
	TopicJobFailed,
	TopicDLQ,
}

// createTopicIfNotExists creates a topic if it doesn't exist using the Kafka
// AdminClient API, handling the "topic already exists" error gracefully.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	slog.Info("ensuring topic exists",
		slog.String("topic", topic),
		slog.Int("partitions", int(partitions)),
		slog.Int("replication_factor", int(replicationFactor)))

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	topicReq.Configs = []kmsg.CreateTopicsRequestTopicConfig{
		{Name: "cleanup.policy", Value: stringPtr("delete")},
		{Name: "retention.ms", Value: stringPtr("604800000")}, // 7 days
		{Name: "compression.type", Value: stringPtr("snappy")},
		{Name: "min.insync.replicas", Value: stringPtr("1")},
	}

	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// TOPIC_ALREADY_EXISTS: https://kafka.apache.org/protocol#protocol_error_codes
			if topicResp.ErrorCode == 36 {
				slog.Info("topic already exists", slog.String("topic", topicResp.Topic))
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created successfully", slog.String("topic", topicResp.Topic))
	}

	return nil
}

// EnsureTopics provisions every topic this service depends on.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16) {
	for _, topic := range AllTopics {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, replicationFactor); err != nil {
			slog.Warn("topic provisioning failed, it may already exist",
				slog.String("topic", topic), slog.Any("error", err))
		}
	}
}

func stringPtr(s string) *string { return &s }
