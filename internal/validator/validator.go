package validator

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/meter-rule-engine/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid bool
	Reason  string
}

// Entry is one reading as it arrives on the ingest queue
type Entry struct {
	MeterID       string `json:"meter_id"`
	AssetID       string `json:"asset_id"`
	Date          string `json:"date"`
	Data          string `json:"data"`
	UnitOfMeasure string `json:"unit_of_measure,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Validator checks ingest entries before they reach the engine
type Validator struct {
	timestampToleranceMinutes int
}

// NewValidator creates a new validator with the specified tolerance. A
// tolerance of zero or less disables the window check.
func NewValidator(timestampToleranceMinutes int) *Validator {
	return &Validator{
		timestampToleranceMinutes: timestampToleranceMinutes,
	}
}

func invalid(format string, args ...interface{}) ValidationResult {
	return ValidationResult{IsValid: false, Reason: fmt.Sprintf(format, args...)}
}

// ValidateEntry validates a single ingest entry and returns its numeric value
// and recorded time. An empty date means the reading was taken at receivedAt.
func (v *Validator) ValidateEntry(entry Entry, receivedAt time.Time) (float64, time.Time, ValidationResult) {
	if strings.TrimSpace(entry.MeterID) == "" {
		return 0, time.Time{}, invalid("empty meter id")
	}
	if strings.TrimSpace(entry.AssetID) == "" {
		return 0, time.Time{}, invalid("empty asset id")
	}

	// Strip square brackets if present
	dataValue := strings.TrimSpace(strings.Trim(strings.TrimSpace(entry.Data), "[]"))
	value, err := strconv.ParseFloat(dataValue, 64)
	if err != nil {
		return 0, time.Time{}, invalid("invalid reading value: %v", err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, time.Time{}, invalid("reading value must be finite")
	}

	if strings.TrimSpace(entry.Date) == "" {
		return value, receivedAt.UTC(), ValidationResult{IsValid: true}
	}

	readingTime, err := timeparser.ParseReadingTimestamp(entry.Date)
	if err != nil {
		return value, time.Time{}, invalid("invalid timestamp format: %v", err)
	}

	if v.timestampToleranceMinutes > 0 && !timeparser.IsWithinTolerance(readingTime, receivedAt, v.timestampToleranceMinutes) {
		return value, readingTime, invalid("timestamp outside tolerance window (±%d minutes)", v.timestampToleranceMinutes)
	}

	return value, readingTime, ValidationResult{IsValid: true}
}
