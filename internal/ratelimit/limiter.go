package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Limiter maintains the per-subject spend counters in redis. Counters are
// plain string keys written with INCRBYFLOAT; rolling windows are a set of
// fixed buckets summed at read time.
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewLimiter creates a limiter over the given redis client. The prefix
// namespaces all keys.
func NewLimiter(rdb redis.UniversalClient, prefix string) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, now: time.Now}
}

// Check pairs a subject with the limits that apply to it.
type Check struct {
	Subject Subject
	Limits  types.USDLimits
}

// WindowUsage is the observed spend per window for one subject.
type WindowUsage struct {
	Cost5h      float64
	CostDaily   float64
	CostWeekly  float64
	CostMonthly float64
	CostTotal   float64
}

// Get returns the usage for one window.
func (u WindowUsage) Get(w Window) float64 {
	switch w {
	case Window5h:
		return u.Cost5h
	case WindowDaily:
		return u.CostDaily
	case WindowWeekly:
		return u.CostWeekly
	case WindowMonthly:
		return u.CostMonthly
	case WindowTotal:
		return u.CostTotal
	default:
		return 0
	}
}

func (l *Limiter) costKey(s Subject, w Window, bucket string) string {
	return l.prefix + ":cost:" + string(s.Kind) + ":" + s.ID + ":" + string(w) + ":" + bucket
}

// readKeys returns the redis keys whose sum is the subject's usage in the
// window, under the given limits (daily mode and total anchor matter).
func (l *Limiter) readKeys(s Subject, w Window, limits types.USDLimits, now time.Time) []string {
	switch w {
	case Window5h:
		buckets := bucketKeys5h(now)
		keys := make([]string, len(buckets))
		for i, b := range buckets {
			keys[i] = l.costKey(s, w, b)
		}
		return keys
	case WindowDaily:
		if limits.DailyMode == types.DailyRolling {
			buckets := bucketKeysRollingDaily(now)
			keys := make([]string, len(buckets))
			for i, b := range buckets {
				keys[i] = l.costKey(s, w, b)
			}
			return keys
		}
		return []string{l.costKey(s, w, fixedDailyBucket(now, limits.DailyAnchor, limits.DailyAnchorZone))}
	case WindowWeekly:
		return []string{l.costKey(s, w, weeklyBucket(now))}
	case WindowMonthly:
		return []string{l.costKey(s, w, monthlyBucket(now))}
	case WindowTotal:
		return []string{l.costKey(s, w, totalBucket(limits.TotalResetAt))}
	default:
		return nil
	}
}

// writeKey returns the single bucket key the current spend lands in.
func (l *Limiter) writeKey(s Subject, w Window, limits types.USDLimits, now time.Time) string {
	switch w {
	case Window5h:
		return l.costKey(s, w, strconv.FormatInt(now.Truncate(bucket5h).Unix(), 10))
	case WindowDaily:
		if limits.DailyMode == types.DailyRolling {
			return l.costKey(s, w, strconv.FormatInt(now.Truncate(bucketRolling).Unix(), 10))
		}
		return l.costKey(s, w, fixedDailyBucket(now, limits.DailyAnchor, limits.DailyAnchorZone))
	case WindowWeekly:
		return l.costKey(s, w, weeklyBucket(now))
	case WindowMonthly:
		return l.costKey(s, w, monthlyBucket(now))
	case WindowTotal:
		return l.costKey(s, w, totalBucket(limits.TotalResetAt))
	default:
		return ""
	}
}

var allWindows = []Window{Window5h, WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// UsageBatch reads every window for every subject in one pipelined round
// trip.
func (l *Limiter) UsageBatch(ctx context.Context, checks []Check) ([]WindowUsage, error) {
	now := l.now()
	pipe := l.rdb.Pipeline()

	type slot struct {
		check  int
		window Window
		cmd    *redis.SliceCmd
	}
	slots := make([]slot, 0, len(checks)*len(allWindows))
	for i, c := range checks {
		for _, w := range allWindows {
			keys := l.readKeys(c.Subject, w, c.Limits, now)
			slots = append(slots, slot{check: i, window: w, cmd: pipe.MGet(ctx, keys...)})
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read usage windows: %w", err)
	}

	out := make([]WindowUsage, len(checks))
	for _, s := range slots {
		var sum float64
		for _, v := range s.cmd.Val() {
			str, ok := v.(string)
			if !ok {
				continue
			}
			f, err := strconv.ParseFloat(str, 64)
			if err != nil {
				continue
			}
			sum += f
		}
		u := &out[s.check]
		switch s.window {
		case Window5h:
			u.Cost5h = sum
		case WindowDaily:
			u.CostDaily = sum
		case WindowWeekly:
			u.CostWeekly = sum
		case WindowMonthly:
			u.CostMonthly = sum
		case WindowTotal:
			u.CostTotal = sum
		}
	}
	return out, nil
}

// Usage reads one subject's windows.
func (l *Limiter) Usage(ctx context.Context, s Subject, limits types.USDLimits) (WindowUsage, error) {
	out, err := l.UsageBatch(ctx, []Check{{Subject: s, Limits: limits}})
	if err != nil {
		return WindowUsage{}, err
	}
	return out[0], nil
}

// Commit adds the settled cost to every window of every subject in one
// pipelined round trip. Commits happen after the response settles, so a
// request in flight is never counted; this is the optimistic half of the
// check/commit contract.
func (l *Limiter) Commit(ctx context.Context, checks []Check, costUSD float64) error {
	if costUSD <= 0 || len(checks) == 0 {
		return nil
	}
	now := l.now()
	pipe := l.rdb.Pipeline()
	for _, c := range checks {
		for _, w := range allWindows {
			key := l.writeKey(c.Subject, w, c.Limits, now)
			pipe.IncrByFloat(ctx, key, costUSD)
			if ttl := windowTTL(w); ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

// OverLimit returns the first window whose usage meets or exceeds its
// configured limit, in the canonical total, 5h, daily, weekly, monthly
// order. A limit of zero blocks all traffic for the subject.
func OverLimit(u WindowUsage, limits types.USDLimits) (Window, float64, float64, bool) {
	order := []Window{WindowTotal, Window5h, WindowDaily, WindowWeekly, WindowMonthly}
	for _, w := range order {
		lim := limitFor(limits, w)
		if lim == nil {
			continue
		}
		if used := u.Get(w); used >= *lim {
			return w, used, *lim, true
		}
	}
	return "", 0, 0, false
}

// rpmBucket is one minute wide; the rate is estimated over the current and
// previous buckets weighted by elapsed time.
const rpmBucket = time.Minute

func (l *Limiter) rpmKey(userID string, minute int64) string {
	return l.prefix + ":rpm:user:" + userID + ":" + strconv.FormatInt(minute, 10)
}

// RequestRate estimates the user's requests per minute.
func (l *Limiter) RequestRate(ctx context.Context, userID string) (float64, error) {
	now := l.now()
	cur := now.Truncate(rpmBucket)
	prev := cur.Add(-rpmBucket)

	vals, err := l.rdb.MGet(ctx, l.rpmKey(userID, cur.Unix()), l.rpmKey(userID, prev.Unix())).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("read rpm: %w", err)
	}
	parse := func(v any) float64 {
		s, ok := v.(string)
		if !ok {
			return 0
		}
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	curN, prevN := parse(vals[0]), parse(vals[1])
	frac := float64(now.Sub(cur)) / float64(rpmBucket)
	return curN + prevN*(1-frac), nil
}

// CommitRequest counts one admitted request toward the user's RPM.
func (l *Limiter) CommitRequest(ctx context.Context, userID string) error {
	now := l.now()
	key := l.rpmKey(userID, now.Truncate(rpmBucket).Unix())
	pipe := l.rdb.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 3*rpmBucket)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit rpm: %w", err)
	}
	return nil
}
