package dispatch

import (
	"context"

	"go.uber.org/zap"
)

// LogActions only logs side effects. It serves hosts without a downstream
// work order system, such as local development.
type LogActions struct {
	logger *zap.Logger
}

// NewLogActions creates a logging Actions implementation
func NewLogActions(logger *zap.Logger) *LogActions {
	return &LogActions{logger: logger}
}

func (a *LogActions) Notify(_ context.Context, p Payload) error {
	a.log("notification", p)
	return nil
}

func (a *LogActions) CreateWorkOrder(_ context.Context, p Payload) error {
	a.log("work order requested", p)
	return nil
}

func (a *LogActions) CreateWorkRequest(_ context.Context, p Payload) error {
	a.log("work request requested", p)
	return nil
}

func (a *LogActions) log(msg string, p Payload) {
	a.logger.Info(msg,
		zap.String("condition_id", p.ConditionID),
		zap.String("meter_id", p.MeterID),
		zap.String("asset_id", p.AssetID),
		zap.Float64("quantity", p.Quantity),
		zap.String("message", p.Message),
	)
}
