// Worker consumes resolution events from Kafka and writes them as structured log lines.
// Set KAFKA_BROKERS and TELEMETRY_KAFKA_TOPIC; KAFKA_GROUP_ID defaults to identity-events-worker.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"freight-marketplace/identity/internal/config"
	"freight-marketplace/identity/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, "identity-worker", nil)

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 || cfg.TelemetryKafkaTopic == "" {
		logger.Error("worker: KAFKA_BROKERS and TELEMETRY_KAFKA_TOPIC are required")
		os.Exit(1)
	}
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "identity-events-worker"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.TelemetryKafkaTopic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker: consuming", "topic", cfg.TelemetryKafkaTopic, "group", groupID)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker: stopped")
				return
			}
			logger.Warn("worker: kafka read error", "error", err)
			continue
		}
		var ev telemetry.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			logger.Warn("worker: undecodable event", "offset", msg.Offset, "error", err)
			continue
		}
		logger.Info("event",
			"type", ev.Type,
			"identity", ev.Identity,
			"profile_id", ev.ProfileID,
			"phase", ev.Phase,
			"error_kind", ev.ErrorKind,
			"source", ev.Source,
			"duration_ms", ev.Duration.Milliseconds(),
			"created_at", ev.CreatedAt,
		)
	}
}
