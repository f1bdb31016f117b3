package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

var payload = dispatch.Payload{
	AssetID:     "truck-7",
	MeterID:     "engine-hours",
	ConditionID: "service",
	Action:      rules.ActionCreateWorkOrder,
	Quantity:    600,
	Message:     "engine-hours cumulative 600 >= 500 hrs",
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "meter.action.notify", RoutingKey(dispatch.StepNotify))
	assert.Equal(t, "meter.action.work_order", RoutingKey(dispatch.StepCreateWorkOrder))
	assert.Equal(t, "meter.action.work_request", RoutingKey(dispatch.StepCreateWorkRequest))
}

func TestAMQPActions_Publish(t *testing.T) {
	ch := &fakeChannel{}
	a := &AMQPActions{channel: ch, exchange: "meter-rules.actions.exchange", logger: zap.NewNop()}
	ctx := context.Background()

	require.NoError(t, a.CreateWorkOrder(ctx, payload))
	require.NoError(t, a.Notify(ctx, payload))
	require.NoError(t, a.CreateWorkRequest(ctx, payload))
	require.Len(t, ch.sent, 3)

	first := ch.sent[0]
	assert.Equal(t, "meter-rules.actions.exchange", first.exchange)
	assert.Equal(t, "meter.action.work_order", first.key)
	assert.Equal(t, "application/json", first.msg.ContentType)
	assert.Equal(t, amqp.Persistent, first.msg.DeliveryMode)
	assert.Equal(t, "truck-7", first.msg.Headers["asset_id"])

	var cmd ActionCommand
	require.NoError(t, json.Unmarshal(first.msg.Body, &cmd))
	assert.Equal(t, dispatch.StepCreateWorkOrder, cmd.Step)
	assert.Equal(t, first.msg.MessageId, cmd.CommandID)
	assert.Equal(t, 600.0, cmd.Payload.Quantity)

	assert.Equal(t, "meter.action.notify", ch.sent[1].key)
	assert.Equal(t, "meter.action.work_request", ch.sent[2].key)
}

func TestAMQPActions_PublishError(t *testing.T) {
	a := &AMQPActions{channel: &fakeChannel{err: errors.New("channel closed")}, logger: zap.NewNop()}

	err := a.Notify(context.Background(), payload)
	assert.ErrorContains(t, err, "[RABBITMQ]")
	assert.ErrorContains(t, err, "channel closed")
}

func TestKafkaActions_Publish(t *testing.T) {
	w := &fakeWriter{}
	a := newKafkaActions(w, "meter.actions", zap.NewNop())

	require.NoError(t, a.CreateWorkOrder(context.Background(), payload))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("truck-7"), msg.Key)
	require.NotEmpty(t, msg.Headers)
	assert.Equal(t, "action", msg.Headers[0].Key)
	assert.Equal(t, []byte("create_work_order"), msg.Headers[0].Value)

	var cmd ActionCommand
	require.NoError(t, json.Unmarshal(msg.Value, &cmd))
	assert.Equal(t, "service", cmd.Payload.ConditionID)
}

func TestKafkaActions_ThroughDispatcher(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	d := dispatch.NewDispatcher(newKafkaActions(w, "meter.actions", zap.NewNop()), nil, zap.NewNop())

	errs := d.Dispatch(context.Background(),
		rules.Condition{ID: "c", Target: rules.TargetAbsolute, Operator: rules.OpGreater, Threshold: 1, Action: rules.ActionCreateWorkRequest, Mode: rules.ModeOnce},
		&rules.Meter{ID: "m", UnitOfMeasure: "hrs"},
		rules.Reading{ID: "r", MeterID: "m", AssetID: "a", Value: 2},
		readings.Targets{Absolute: 2},
	)

	require.Len(t, errs, 2)
	assert.Equal(t, dispatch.StepCreateWorkRequest, errs[0].Step)
	assert.Equal(t, dispatch.StepNotify, errs[1].Step)
	assert.ErrorContains(t, errs[0], "[KAFKA]")
}
