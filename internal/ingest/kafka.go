package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/segmentio/kafka-go"

	"shiftwatch/internal/config"
	"shiftwatch/internal/logging"
	"shiftwatch/internal/model"
	"shiftwatch/internal/normalize"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Consumer feeds JSON envelopes from a Kafka topic into the gateway. Each
// message is an object with "kind" set to "event" or "location" and the
// submission fields alongside it.
type Consumer struct {
	gateway *Gateway
	reader  MessageReader
	logger  *slog.Logger
	clock   clock.Clock
}

func NewKafkaConsumer(cfg config.KafkaConfig, gw *Gateway, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return NewConsumer(reader, gw, logger)
}

func NewConsumer(r MessageReader, gw *Gateway, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Consumer{gateway: gw, reader: r, logger: logger, clock: clock.WallClock}
}

// Run consumes until ctx is cancelled. Read errors back off and retry;
// malformed or rejected messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "err", err)
			if !BackoffSleep(ctx, c.clock, 0) {
				return nil
			}
			continue
		}
		if err := c.Handle(ctx, m.Value); err != nil {
			level := slog.LevelWarn
			if model.ErrorCode(err) == "internal_error" {
				level = slog.LevelError
			}
			c.logger.Log(ctx, level, "kafka message rejected",
				"partition", m.Partition,
				"offset", m.Offset,
				"code", model.ErrorCode(err),
				"err", err,
			)
		}
	}
}

// Handle decodes and submits one message.
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(value, &obj); err != nil {
		return c.gateway.reject("kafka", model.Validationf("malformed json: %v", err))
	}
	f := normalize.FromMap(obj)
	switch f.Kind() {
	case "event":
		sub, err := normalize.Event(f, c.gateway.Location())
		if err != nil {
			return c.gateway.reject("event", err)
		}
		sub.Source = "kafka"
		_, err = c.gateway.SubmitEvent(ctx, sub)
		return err
	case "location":
		sub, err := normalize.Location(f, c.gateway.Location())
		if err != nil {
			return c.gateway.reject("location", err)
		}
		sub.Source = "kafka"
		return c.gateway.SubmitLocation(ctx, sub)
	default:
		return c.gateway.reject("kafka", errors.Annotatef(model.ErrValidation, "unknown message kind %q", f.Kind()))
	}
}
