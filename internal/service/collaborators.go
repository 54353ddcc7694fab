package service

import (
	"context"

	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// UnsubscribeChecker answers whether an address is globally unsubscribed.
type UnsubscribeChecker interface {
	IsUnsubscribed(ctx context.Context, email string) bool
}

// UnsubscribeLookup is the storage side of the unsubscribe list.
type UnsubscribeLookup interface {
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
}

type failOpenChecker struct {
	lookup UnsubscribeLookup
	log    *logger.Logger
}

// NewUnsubscribeChecker wraps lookup so that lookup errors count as "not
// unsubscribed". A transient outage must never silently suppress sends.
func NewUnsubscribeChecker(lookup UnsubscribeLookup, log *logger.Logger) UnsubscribeChecker {
	return &failOpenChecker{lookup: lookup, log: log.WithComponent("unsubscribe")}
}

func (c *failOpenChecker) IsUnsubscribed(ctx context.Context, email string) bool {
	unsub, err := c.lookup.IsUnsubscribed(ctx, email)
	if err != nil {
		c.log.Warn().Err(err).Str("email", email).Msg("unsubscribe lookup failed, sending anyway")
		return false
	}
	return unsub
}

// SendLogger records one successful send. Its errors never reach the engine.
type SendLogger interface {
	Insert(ctx context.Context, e *model.SendLogEntry) error
}

// UsageTracker accumulates monthly send volume.
type UsageTracker interface {
	Increment(ctx context.Context, month string, n int) (int, error)
}

type nopSendLogger struct{}

func (nopSendLogger) Insert(context.Context, *model.SendLogEntry) error { return nil }

type nopUsage struct{}

func (nopUsage) Increment(context.Context, string, int) (int, error) { return 0, nil }
