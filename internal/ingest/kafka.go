package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"driveguard/internal/config"
	"driveguard/internal/engine"
)

func StartKafka(ctx context.Context, cfg config.KafkaConfig, eng *engine.Engine, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			env, err := DecodeEnvelope(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka envelope error", "err", err)
				}
				continue
			}
			switch env.Kind {
			case KindOccurrence:
				if _, err := eng.Ingest(ctx, *env.Occurrence); err != nil {
					if logger != nil {
						logger.Warn("kafka ingest error", "driver_id", env.Occurrence.DriverID, "err", err)
					}
				}
			case KindEvent:
				if _, err := eng.HandleEvent(ctx, env.DriverID, env.EventType); err != nil {
					if logger != nil {
						logger.Warn("kafka event error", "driver_id", env.DriverID, "event_type", env.EventType, "err", err)
					}
				}
			}
		}
	}()
}
