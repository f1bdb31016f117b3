package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MessageHandler processes one delivery body. A non-nil error dead-letters the message.
type MessageHandler func(ctx context.Context, body []byte) error

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKey    string
	PrefetchCount int
}

// Consumer reads ingest messages from a queue bound to a topic exchange.
// Failed messages are NACKed without requeue and land in the DLQ.
type Consumer struct {
	channel *amqp.Channel
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer declares the exchange, queue, DLQ and binding
func NewConsumer(conn *Connection, cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("[RABBITMQ] failed to create channel: %w", err)
	}

	if err := declareTopology(ch, cfg, logger); err != nil {
		ch.Close()
		return nil, err
	}

	return &Consumer{
		channel: ch,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig, logger *zap.Logger) error {
	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("[RABBITMQ] failed to set QoS: %w", err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("[RABBITMQ] failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("[RABBITMQ] failed to declare DLQ %s: %w", cfg.DLQQueue, err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		// a precondition failure closes the channel, so the queue is left as is
		return fmt.Errorf("[RABBITMQ] failed to declare queue %s with DLX: %w", cfg.Queue, err)
	}

	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("[RABBITMQ] failed to bind queue %s: %w", cfg.Queue, err)
	}

	logger.Info("ingest topology declared",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
		zap.String("routing_key", cfg.RoutingKey),
		zap.String("dlq", cfg.DLQQueue),
	)
	return nil
}

// Start begins consuming in a background goroutine
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("[RABBITMQ] failed to start consuming: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("consumer started", zap.Int("prefetch", c.cfg.PrefetchCount))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.handle(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	logger := c.logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("message_id", msg.MessageId),
	)
	logger.Debug("received message", zap.Int("body_size", len(msg.Body)))

	// the message in flight runs to completion after Stop cancels ctx
	err := c.handler(context.WithoutCancel(ctx), msg.Body)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("message processing interrupted, requeueing", zap.Error(err))
		if nackErr := msg.Nack(false, true); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}
	if err != nil {
		logger.Error("failed to process message, sending to DLQ", zap.Error(err))
		if nackErr := msg.Nack(false, false); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if ackErr := msg.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
	}
}

// Stop cancels consumption, waits for the message in flight and closes the channel
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if err := c.channel.Close(); err != nil {
		return fmt.Errorf("[RABBITMQ] failed to close consumer channel: %w", err)
	}
	c.logger.Info("consumer stopped")
	return nil
}

// RegisterLifecycle starts the consumer with the app and stops it on shutdown
func (c *Consumer) RegisterLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return c.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			return c.Stop()
		},
	})
}
