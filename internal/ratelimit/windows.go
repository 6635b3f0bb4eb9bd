// Package ratelimit enforces the multi-window USD and RPM quotas backed by
// redis. Checks are optimistic: the read and the later commit are separate
// round trips, and transient over-admission by one in-flight request is
// accepted by design.
package ratelimit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Window identifies one quota window.
type Window string

const (
	Window5h      Window = "5h"
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
	WindowTotal   Window = "total"
)

// Rolling windows are approximated by summing fixed-size buckets covering
// the trailing span. The 5h window uses 10-minute buckets; rolling daily
// uses hourly buckets.
const (
	bucket5h      = 10 * time.Minute
	bucketRolling = time.Hour

	span5h = 5 * time.Hour
)

// SubjectKind scopes a counter to a provider, key, or user.
type SubjectKind string

const (
	SubjectProvider SubjectKind = "provider"
	SubjectKey      SubjectKind = "key"
	SubjectUser     SubjectKind = "user"
)

// Subject is one counter scope.
type Subject struct {
	Kind SubjectKind
	ID   string
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// bucketKeys5h returns the bucket suffixes covering the trailing 5 hours.
// One extra bucket is included so the partially-expired edge still counts;
// the approximation overshoots by at most one bucket width.
func bucketKeys5h(now time.Time) []string {
	n := int(span5h/bucket5h) + 1
	keys := make([]string, 0, n)
	cur := now.Truncate(bucket5h)
	for i := 0; i < n; i++ {
		keys = append(keys, strconv.FormatInt(cur.Add(-time.Duration(i)*bucket5h).Unix(), 10))
	}
	return keys
}

// bucketKeysRollingDaily returns hourly bucket suffixes covering the
// trailing 24 hours.
func bucketKeysRollingDaily(now time.Time) []string {
	n := 24 + 1
	keys := make([]string, 0, n)
	cur := now.Truncate(bucketRolling)
	for i := 0; i < n; i++ {
		keys = append(keys, strconv.FormatInt(cur.Add(-time.Duration(i)*bucketRolling).Unix(), 10))
	}
	return keys
}

// fixedDailyBucket computes the calendar-day bucket for a fixed daily
// window. The anchor is a local time-of-day ("15:04") in the given zone;
// the day boundary keeps its wall-clock time across DST transitions
// (time.Date semantics).
func fixedDailyBucket(now time.Time, anchor, zone string) string {
	loc := time.UTC
	if zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	hh, mm := 0, 0
	if t, err := time.Parse("15:04", anchor); err == nil {
		hh, mm = t.Hour(), t.Minute()
	}
	boundary := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	if local.Before(boundary) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary.Format("2006-01-02")
}

// weeklyBucket returns the ISO week bucket, e.g. "2026-W34".
func weeklyBucket(now time.Time) string {
	year, week := now.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// monthlyBucket returns the calendar month bucket, e.g. "2026-08".
func monthlyBucket(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// totalBucket incorporates the reset anchor so resetting the total window
// is a pointer move, not a counter delete.
func totalBucket(resetAt time.Time) string {
	if resetAt.IsZero() {
		return "origin"
	}
	return strconv.FormatInt(resetAt.Unix(), 10)
}

// windowTTL returns how long a bucket key must survive after its last
// write. Total buckets never expire.
func windowTTL(w Window) time.Duration {
	switch w {
	case Window5h:
		return span5h + 2*bucket5h
	case WindowDaily:
		return 48 * time.Hour
	case WindowWeekly:
		return 9 * 24 * time.Hour
	case WindowMonthly:
		return 40 * 24 * time.Hour
	default:
		return 0
	}
}

// limitFor returns the configured limit for a window, nil when unlimited.
func limitFor(limits types.USDLimits, w Window) *float64 {
	switch w {
	case Window5h:
		return limits.Limit5h
	case WindowDaily:
		return limits.LimitDaily
	case WindowWeekly:
		return limits.LimitWeekly
	case WindowMonthly:
		return limits.LimitMonthly
	case WindowTotal:
		return limits.LimitTotal
	default:
		return nil
	}
}
