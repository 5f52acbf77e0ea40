// Package app wires application components and startup helpers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tudragon/pvm-orchestrator/internal/adapter/httpserver"
	"github.com/tudragon/pvm-orchestrator/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildReadinessChecks returns the db and Kafka broker readiness checks,
// keyed by dependency name for httpserver.Server.ReadyzHandler.
func BuildReadinessChecks(cfg config.Config, pool Pinger) map[string]httpserver.ReadinessCheck {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}

	kafkaCheck := func(ctx context.Context) error {
		if len(cfg.KafkaBrokers) == 0 {
			return fmt.Errorf("no kafka brokers configured")
		}
		client, err := kgo.NewClient(kgo.SeedBrokers(cfg.KafkaBrokers...))
		if err != nil {
			return fmt.Errorf("kafka client: %w", err)
		}
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return client.Ping(pingCtx)
	}

	return map[string]httpserver.ReadinessCheck{
		"db":    dbCheck,
		"kafka": kafkaCheck,
	}
}
