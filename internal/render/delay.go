package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrCaptureTime = errors.New("render: invalid capture time")

// ParseCaptureTime parses <yyyy-MM-dd>_<HH>-<mm>-<ss>.<fff> in loc. The
// fractional part is required and may carry one to nine digits.
func ParseCaptureTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	parts := strings.Split(s, "_")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("%w: %q: want date_time", ErrCaptureTime, s)
	}
	clock := strings.Split(parts[1], "-")
	if len(clock) != 3 {
		return time.Time{}, fmt.Errorf("%w: %q: want HH-mm-ss.fff", ErrCaptureTime, s)
	}
	secParts := strings.Split(clock[2], ".")
	if len(secParts) != 2 {
		return time.Time{}, fmt.Errorf("%w: %q: missing fractional seconds", ErrCaptureTime, s)
	}

	day, err := time.ParseInLocation("2006-01-02", parts[0], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrCaptureTime, s, err)
	}
	hour, okH := field(clock[0], 23)
	minute, okM := field(clock[1], 59)
	second, okS := field(secParts[0], 59)
	if !okH || !okM || !okS {
		return time.Time{}, fmt.Errorf("%w: %q: bad clock field", ErrCaptureTime, s)
	}
	frac := secParts[1]
	if len(frac) < 1 || len(frac) > 9 || !digits(frac) {
		return time.Time{}, fmt.Errorf("%w: %q: bad fractional seconds", ErrCaptureTime, s)
	}
	nanos, _ := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, second, nanos, loc), nil
}

// Delay returns now minus the capture time in seconds. It is negative when the
// producer clock runs ahead of ours.
func Delay(captureTime string, now time.Time, loc *time.Location) (float64, error) {
	captured, err := ParseCaptureTime(captureTime, loc)
	if err != nil {
		return 0, err
	}
	return now.Sub(captured).Seconds(), nil
}

func field(s string, max int) (int, bool) {
	if len(s) == 0 || len(s) > 2 || !digits(s) {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil || v > max {
		return 0, false
	}
	return v, true
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
