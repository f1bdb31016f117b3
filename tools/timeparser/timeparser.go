package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// layouts accepted for reading timestamps, tried in order. Layouts without a
// zone are read as UTC.
var layouts = []string{
	time.RFC3339Nano,      // 2006-01-02T15:04:05.999999999Z07:00
	"2006-01-02T15:04:05", // ISO without zone
	"2006-01-02T15:04",    // datetime-local form input
	"2006-01-02 15:04:05", // SQL style
	"2006-01-02",          // date only
	"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
}

// ParseReadingTimestamp attempts to parse a reading timestamp with multiple formats
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, dateStr)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of received time
func IsWithinTolerance(readingTime, receivedTime time.Time, toleranceMinutes int) bool {
	diff := readingTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(toleranceMinutes)*time.Minute
}
