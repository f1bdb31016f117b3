package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/meter-rule-engine/internal/metrics"
	"github.com/septivank/meter-rule-engine/internal/readings"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"go.uber.org/zap"
)

// Step names a single side effect call
type Step string

const (
	StepNotify            Step = "notify"
	StepCreateWorkOrder   Step = "create_work_order"
	StepCreateWorkRequest Step = "create_work_request"
)

// Payload describes a fired condition to the host application
type Payload struct {
	AssetID     string         `json:"asset_id"`
	MeterID     string         `json:"meter_id"`
	MeterName   string         `json:"meter_name,omitempty"`
	ConditionID string         `json:"condition_id"`
	Action      rules.Action   `json:"action"`
	Target      rules.Target   `json:"target"`
	Operator    rules.Operator `json:"operator"`
	Threshold   float64        `json:"threshold"`
	Quantity    float64        `json:"quantity"`
	Reading     rules.Reading  `json:"reading"`
	Message     string         `json:"message"`
	FiredAt     time.Time      `json:"fired_at"`
}

// Actions is implemented by the host to carry out side effects
type Actions interface {
	Notify(ctx context.Context, p Payload) error
	CreateWorkOrder(ctx context.Context, p Payload) error
	CreateWorkRequest(ctx context.Context, p Payload) error
}

// Error is a failed side effect. It never aborts evaluation.
type Error struct {
	ConditionID string `json:"condition_id"`
	Step        Step   `json:"step"`
	Err         error  `json:"-"`
}

func (e Error) Error() string {
	return fmt.Sprintf("condition %s: %s failed: %v", e.ConditionID, e.Step, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Dispatcher maps fired conditions to calls on Actions
type Dispatcher struct {
	actions Actions
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher creates a dispatcher over the host's actions
func NewDispatcher(actions Actions, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		actions: actions,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch performs the side effects of one fired condition. A work order or
// work request is created before the notification; the notification is still
// sent when creation fails.
func (d *Dispatcher) Dispatch(ctx context.Context, c rules.Condition, meter *rules.Meter, reading rules.Reading, targets readings.Targets) []Error {
	if c.Action == rules.ActionNone {
		return nil
	}

	payload := NewPayload(c, meter, reading, targets, d.now())

	var errs []Error
	switch c.Action {
	case rules.ActionNotify:
	case rules.ActionCreateWorkOrder:
		errs = d.call(ctx, StepCreateWorkOrder, payload, d.actions.CreateWorkOrder, errs)
	case rules.ActionCreateWorkRequest:
		errs = d.call(ctx, StepCreateWorkRequest, payload, d.actions.CreateWorkRequest, errs)
	default:
		d.logger.Warn("unknown trigger action, nothing dispatched",
			zap.String("condition_id", c.ID),
			zap.String("action", string(c.Action)),
		)
		return nil
	}

	return d.call(ctx, StepNotify, payload, d.actions.Notify, errs)
}

func (d *Dispatcher) call(ctx context.Context, step Step, p Payload, fn func(context.Context, Payload) error, errs []Error) []Error {
	err := fn(ctx, p)
	d.metrics.Dispatched(string(step), err)
	if err != nil {
		d.logger.Warn("dispatch failed",
			zap.Error(err),
			zap.String("step", string(step)),
			zap.String("condition_id", p.ConditionID),
			zap.String("meter_id", p.MeterID),
			zap.String("asset_id", p.AssetID),
		)
		return append(errs, Error{ConditionID: p.ConditionID, Step: step, Err: err})
	}
	d.logger.Debug("dispatched",
		zap.String("step", string(step)),
		zap.String("condition_id", p.ConditionID),
		zap.String("asset_id", p.AssetID),
	)
	return errs
}

// NewPayload builds the payload handed to every step of a fired condition
func NewPayload(c rules.Condition, meter *rules.Meter, reading rules.Reading, targets readings.Targets, firedAt time.Time) Payload {
	quantity, _ := targets.Pick(c.Target)
	return Payload{
		AssetID:     reading.AssetID,
		MeterID:     meter.ID,
		MeterName:   meter.Name,
		ConditionID: c.ID,
		Action:      c.Action,
		Target:      c.Target,
		Operator:    c.Operator,
		Threshold:   c.Threshold,
		Quantity:    quantity,
		Reading:     reading,
		Message:     Message(c, meter, quantity),
		FiredAt:     firedAt,
	}
}

// Message renders a short human readable description, e.g. "Temperature absolute 10 < 15 C"
func Message(c rules.Condition, meter *rules.Meter, quantity float64) string {
	name := meter.Name
	if name == "" {
		name = meter.ID
	}
	return fmt.Sprintf("%s %s %g %s %g %s", name, c.Target, quantity, c.Operator, c.Threshold, meter.UnitOfMeasure)
}
