package ratelimit

import (
	"context"
	"fmt"

	proxyerr "github.com/blueberrycongee/llmgate/pkg/errors"
	"github.com/blueberrycongee/llmgate/pkg/types"
)

// SessionCounter reports live sessions attributed to a key. Implemented by
// the session tracker.
type SessionCounter interface {
	CountByKey(ctx context.Context, keyID string) (int64, error)
}

// Guard runs the pre-dispatch admission checks for a key/user pair. Check
// order is a contract: the first violated limit names the rejection, so a
// request over both the key's total and the user's daily budget always
// reports the total.
type Guard struct {
	limiter  *Limiter
	sessions SessionCounter
}

// NewGuard creates a guard over a limiter and session counter.
func NewGuard(limiter *Limiter, sessions SessionCounter) *Guard {
	return &Guard{limiter: limiter, sessions: sessions}
}

// windowLimitType maps a window to the client-facing limit type name.
func windowLimitType(w Window) string {
	return "usd_" + string(w)
}

// Check admits or rejects a request before provider selection. All spend
// windows for both subjects are fetched in one batched round trip, then
// evaluated in the fixed order:
//
//	key total, user total, key sessions, user rpm,
//	then per window (5h, daily, weekly, monthly): key before user.
//
// It returns *errors.RateLimitError naming the first violated limit.
func (g *Guard) Check(ctx context.Context, key *types.Key, user *types.User) error {
	keySub := Subject{Kind: SubjectKey, ID: key.ID}
	userSub := Subject{Kind: SubjectUser, ID: user.ID}

	usages, err := g.limiter.UsageBatch(ctx, []Check{
		{Subject: keySub, Limits: key.Limits},
		{Subject: userSub, Limits: user.Limits},
	})
	if err != nil {
		return fmt.Errorf("limit check: %w", err)
	}
	keyUse, userUse := usages[0], usages[1]

	exceeded := func(u WindowUsage, limits types.USDLimits, w Window, subject Subject) *proxyerr.RateLimitError {
		lim := limitFor(limits, w)
		if lim == nil {
			return nil
		}
		if used := u.Get(w); used >= *lim {
			return &proxyerr.RateLimitError{
				LimitType:    windowLimitType(w),
				Subject:      subject.String(),
				CurrentUsage: used,
				LimitValue:   *lim,
			}
		}
		return nil
	}

	if e := exceeded(keyUse, key.Limits, WindowTotal, keySub); e != nil {
		return e
	}
	if e := exceeded(userUse, user.Limits, WindowTotal, userSub); e != nil {
		return e
	}

	if key.ConcurrentSessions > 0 && g.sessions != nil {
		n, err := g.sessions.CountByKey(ctx, key.ID)
		if err != nil {
			return fmt.Errorf("session count: %w", err)
		}
		if n >= int64(key.ConcurrentSessions) {
			return &proxyerr.RateLimitError{
				LimitType:    "concurrent_sessions",
				Subject:      keySub.String(),
				CurrentUsage: float64(n),
				LimitValue:   float64(key.ConcurrentSessions),
			}
		}
	}

	if user.RPM > 0 {
		rate, err := g.limiter.RequestRate(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("rpm check: %w", err)
		}
		if rate >= float64(user.RPM) {
			return &proxyerr.RateLimitError{
				LimitType:    "rpm",
				Subject:      userSub.String(),
				CurrentUsage: rate,
				LimitValue:   float64(user.RPM),
			}
		}
	}

	for _, w := range []Window{Window5h, WindowDaily, WindowWeekly, WindowMonthly} {
		if e := exceeded(keyUse, key.Limits, w, keySub); e != nil {
			return e
		}
		if e := exceeded(userUse, user.Limits, w, userSub); e != nil {
			return e
		}
	}

	return g.limiter.CommitRequest(ctx, user.ID)
}
