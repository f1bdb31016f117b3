package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"go.uber.org/zap"
)

// ActionCommand is the message body sent for every dispatched step
type ActionCommand struct {
	CommandID string           `json:"command_id"`
	Step      dispatch.Step    `json:"step"`
	Payload   dispatch.Payload `json:"payload"`
	IssuedAt  time.Time        `json:"issued_at"`
}

// NewActionCommand wraps a payload for one step
func NewActionCommand(step dispatch.Step, p dispatch.Payload) ActionCommand {
	return ActionCommand{
		CommandID: uuid.NewString(),
		Step:      step,
		Payload:   p,
		IssuedAt:  time.Now().UTC(),
	}
}

// RoutingKey returns the topic routing key of a step
func RoutingKey(step dispatch.Step) string {
	switch step {
	case dispatch.StepCreateWorkOrder:
		return "meter.action.work_order"
	case dispatch.StepCreateWorkRequest:
		return "meter.action.work_request"
	default:
		return "meter.action.notify"
	}
}

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPActions carries out fired actions by publishing commands to a topic
// exchange. Notification and maintenance services consume them.
type AMQPActions struct {
	channel  amqpPublisher
	closer   func() error
	exchange string
	logger   *zap.Logger
}

// NewAMQPActions declares the actions exchange and returns a publisher for it
func NewAMQPActions(conn *Connection, exchange string, logger *zap.Logger) (*AMQPActions, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("[RABBITMQ] failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPActions{
		channel:  ch,
		closer:   ch.Close,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (a *AMQPActions) Notify(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepNotify, p)
}

func (a *AMQPActions) CreateWorkOrder(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepCreateWorkOrder, p)
}

func (a *AMQPActions) CreateWorkRequest(ctx context.Context, p dispatch.Payload) error {
	return a.publish(ctx, dispatch.StepCreateWorkRequest, p)
}

func (a *AMQPActions) publish(ctx context.Context, step dispatch.Step, p dispatch.Payload) error {
	cmd := NewActionCommand(step, p)
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal action command: %w", err)
	}

	routingKey := RoutingKey(step)
	err = a.channel.PublishWithContext(
		ctx,
		a.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    cmd.CommandID,
			Timestamp:    cmd.IssuedAt,
			Type:         string(step),
			Headers: amqp.Table{
				"meter_id":     p.MeterID,
				"asset_id":     p.AssetID,
				"condition_id": p.ConditionID,
			},
			Body: body,
		},
	)
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to publish %s: %w", step, err)
	}

	a.logger.Debug("published action command",
		zap.String("routing_key", routingKey),
		zap.String("command_id", cmd.CommandID),
		zap.String("condition_id", p.ConditionID),
	)
	return nil
}

// Close closes the publisher channel
func (a *AMQPActions) Close() error {
	if a.closer != nil {
		return a.closer()
	}
	return nil
}
