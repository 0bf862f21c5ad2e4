package provider

import (
	"strings"
	"time"
	"unicode"

	"github.com/ai-consumption-tracker/aict/internal/usage"
)

const resetLayout = "Jan 02 15:04"

// timeNow is replaced in tests.
var timeNow = time.Now

// futureOrNil drops reset times that are not strictly in the future.
func futureOrNil(t *time.Time, now time.Time) *time.Time {
	if t == nil || !t.After(now) {
		return nil
	}
	return t
}

// parseReset parses an RFC3339 reset time and keeps it only when it lies in the future.
func parseReset(value string, now time.Time) *time.Time {
	if value == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return futureOrNil(&t, now)
}

// SoonestReset returns the earliest future reset among details. Ties keep the
// first detail in order, so callers sort details by name first.
func SoonestReset(details []usage.UsageDetail, now time.Time) *time.Time {
	var soonest *time.Time
	for i := range details {
		t := futureOrNil(details[i].NextResetTime, now)
		if t == nil {
			continue
		}
		if soonest == nil || t.Before(*soonest) {
			soonest = t
		}
	}
	return soonest
}

// MinRemaining returns the smallest remaining fraction, or 1 when there are no buckets.
// The worst bucket drives the headline percentage.
func MinRemaining(fractions []float64) float64 {
	minFrac := 1.0
	for _, f := range fractions {
		if f < minFrac {
			minFrac = f
		}
	}
	return minFrac
}

// NextUTCMidnight returns the start of the next UTC day after now.
func NextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

// resetSuffix renders " (Resets: (Jan 02 15:04))" in local time, or "" for nil.
func resetSuffix(t *time.Time) string {
	if t == nil {
		return ""
	}
	return " (Resets: (" + t.Local().Format(resetLayout) + "))"
}

// SplitCamelCase inserts a space at each lower-to-upper boundary: "requestsPerDay" → "requests Per Day".
func SplitCamelCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsLower(runes[i-1]) && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func timePtr(t time.Time) *time.Time {
	return &t
}
