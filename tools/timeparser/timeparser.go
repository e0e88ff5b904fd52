package timeparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 86400

// ParseMeterTimestamp attempts to parse meter timestamp with multiple formats
func ParseMeterTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		"02 15:04:05/01/2006", // DD HH:mm:ss/MM/YYYY
		time.RFC3339,          // Standard RFC3339
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
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

// ParseTimeOfDay parses an H:M:S offset into the day, e.g. "07:30:00".
// Hours must be 0-23 and minutes and seconds 0-59.
func ParseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("time of day '%s' is not in H:M:S format", s)
	}

	limits := []int{23, 59, 59}
	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return 0, fmt.Errorf("time of day '%s': %w", s, err)
		}
		if v < 0 || v > limits[i] {
			return 0, fmt.Errorf("time of day '%s': field %d out of range", s, i+1)
		}
		values[i] = v
	}

	return time.Duration(values[0])*time.Hour +
		time.Duration(values[1])*time.Minute +
		time.Duration(values[2])*time.Second, nil
}

// TimeOfDay returns the UTC offset into the day of a millisecond epoch time,
// truncated to whole seconds.
func TimeOfDay(epochMillis int64) time.Duration {
	seconds := (epochMillis / 1000) % secondsPerDay
	if seconds < 0 {
		seconds += secondsPerDay
	}
	return time.Duration(seconds) * time.Second
}

// FormatTimeOfDay renders an offset into the day as HH:MM:SS
func FormatTimeOfDay(d time.Duration) string {
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
