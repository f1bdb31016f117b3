package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaActions publishes action commands to one Kafka topic, keyed by asset so
// commands for an asset stay ordered within a partition.
type KafkaActions struct {
	writer kafkaMessageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaActions creates a Kafka-backed Actions and closes its writer on stop
func NewKafkaActions(lc fx.Lifecycle, brokers []string, topic string, logger *zap.Logger) (*KafkaActions, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("[KAFKA] at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	a := newKafkaActions(w, topic, logger)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := w.Close(); err != nil {
				logger.Error("failed to close kafka writer", zap.Error(err))
				return err
			}
			logger.Info("kafka writer closed")
			return nil
		},
	})

	logger.Info("kafka action publisher ready",
		zap.Strings("brokers", brokers),
		zap.String("topic", topic),
	)
	return a, nil
}

func newKafkaActions(w kafkaMessageWriter, topic string, logger *zap.Logger) *KafkaActions {
	return &KafkaActions{writer: w, topic: topic, logger: logger}
}

func (a *KafkaActions) Notify(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepNotify, p)
}

func (a *KafkaActions) CreateWorkOrder(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepCreateWorkOrder, p)
}

func (a *KafkaActions) CreateWorkRequest(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepCreateWorkRequest, p)
}

func (a *KafkaActions) publish(ctx context.Context, step dispatch.Step, p dispatch.Payload) error {
	cmd := NewActionCommand(step, p)
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal action command: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(p.AssetID),
		Value: body,
		Time:  cmd.IssuedAt,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(step)},
			{Key: "meter_id", Value: []byte(p.MeterID)},
			{Key: "condition_id", Value: []byte(p.ConditionID)},
		},
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("[KAFKA] failed to publish %s to %s: %w", step, a.topic, err)
	}

	a.logger.Debug("published action command",
		zap.String("topic", a.topic),
		zap.String("command_id", cmd.CommandID),
		zap.String("condition_id", p.ConditionID),
	)
	return nil
}
