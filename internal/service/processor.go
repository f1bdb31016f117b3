package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/logging"
	"github.com/septivank/meter-rule-engine/internal/metrics"
	"github.com/septivank/meter-rule-engine/internal/validator"
	"go.uber.org/zap"
)

// IngestMessage represents the incoming message from RabbitMQ
type IngestMessage struct {
	RequestID  string            `json:"request_id"`
	RecordedBy string            `json:"recorded_by"`
	ReceivedAt time.Time         `json:"received_at"`
	Readings   []validator.Entry `json:"readings"`
}

// ProcessSummary counts what happened to the entries of one message
type ProcessSummary struct {
	Recorded int
	Skipped  int
	Rejected int
	Fired    int
}

// ProcessorService turns ingest messages into recorded readings
type ProcessorService struct {
	engine    *engine.Engine
	validator *validator.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	eng *engine.Engine,
	validator *validator.Validator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ProcessorService {
	return &ProcessorService{
		engine:    eng,
		validator: validator,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessMessage matches mq.MessageHandler. A returned error sends the whole
// message to the DLQ, so only malformed JSON and storage failures are returned;
// entries the engine refuses are logged and skipped.
func (s *ProcessorService) ProcessMessage(ctx context.Context, body []byte) error {
	_, err := s.Process(ctx, body)
	return err
}

// Process records every valid entry of an ingest message in order
func (s *ProcessorService) Process(ctx context.Context, body []byte) (ProcessSummary, error) {
	var summary ProcessSummary

	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return summary, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}

	reqLogger := logging.WithRequestID(s.logger, msg.RequestID)
	reqLogger.Info("processing message",
		zap.String("recorded_by", msg.RecordedBy),
		zap.Int("readings_count", len(msg.Readings)),
	)

	for i, entry := range msg.Readings {
		entryLogger := logging.WithReading(reqLogger, entry.MeterID, entry.AssetID).With(zap.Int("entry", i))

		value, recordedAt, validation := s.validator.ValidateEntry(entry, msg.ReceivedAt)
		if !validation.IsValid {
			entryLogger.Warn("invalid reading skipped", zap.String("reason", validation.Reason))
			s.metrics.IngestEntry("invalid")
			summary.Rejected++
			continue
		}

		result, err := s.engine.RecordReading(ctx, engine.RecordRequest{
			MeterID:       entry.MeterID,
			AssetID:       entry.AssetID,
			Value:         value,
			RecordedAt:    recordedAt,
			RecordedBy:    msg.RecordedBy,
			Notes:         entry.Notes,
			UnitOfMeasure: entry.UnitOfMeasure,
		})
		switch {
		case err == nil:
		case isRejection(err):
			entryLogger.Warn("reading rejected", zap.Error(err))
			s.metrics.IngestEntry("rejected")
			summary.Rejected++
			continue
		default:
			entryLogger.Error("failed to record reading", zap.Error(err))
			s.metrics.IngestEntry("error")
			return summary, fmt.Errorf("failed to process reading %d: %w", i, err)
		}

		if result.Skipped != "" {
			s.metrics.IngestEntry("skipped")
			summary.Skipped++
			continue
		}

		s.metrics.IngestEntry("recorded")
		summary.Recorded++
		summary.Fired += len(result.FiredConditions)
		for _, de := range result.DispatchErrors {
			entryLogger.Warn("action dispatch failed",
				zap.String("condition_id", de.ConditionID),
				zap.String("step", string(de.Step)),
				zap.Error(de.Err),
			)
		}
	}

	reqLogger.Info("message processed successfully",
		zap.Int("recorded", summary.Recorded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rejected", summary.Rejected),
		zap.Int("fired", summary.Fired),
	)

	return summary, nil
}

// isRejection reports errors caused by the entry itself; retrying the message
// would not change the outcome.
func isRejection(err error) bool {
	return errors.Is(err, engine.ErrMeterNotFound) ||
		errors.Is(err, engine.ErrUnitMismatch) ||
		errors.Is(err, engine.ErrOutOfOrderReading) ||
		errors.Is(err, engine.ErrInvalidReading)
}
