package service

import (
	"context"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

const actorProcessor = "system:processor"

// transitions lists every allowed move. Terminal states have no entry.
var transitions = map[model.CampaignStatus][]model.CampaignStatus{
	model.StatusDraft:     {model.StatusScheduled, model.StatusSending, model.StatusCancelled},
	model.StatusScheduled: {model.StatusSending, model.StatusCancelled, model.StatusDraft},
	model.StatusSending:   {model.StatusPaused, model.StatusSent, model.StatusFailed, model.StatusCancelled},
	model.StatusPaused:    {model.StatusSending, model.StatusCancelled},
}

// CanTransition reports whether from -> to is in the transition map.
func CanTransition(from, to model.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a ValidationError for moves outside the map.
func ValidateTransition(from, to model.CampaignStatus) error {
	if !CanTransition(from, to) {
		return appErrors.NewValidation("status", "cannot move campaign from %s to %s", from, to)
	}
	return nil
}

// Lifecycle applies validated status transitions. Each transition runs in one
// transaction with its audit entry.
type Lifecycle struct {
	campaigns  repository.CampaignRepositoryInterface
	recipients repository.RecipientRepositoryInterface
	log        *logger.Logger
	now        func() time.Time
}

func NewLifecycle(campaigns repository.CampaignRepositoryInterface, recipients repository.RecipientRepositoryInterface, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		campaigns:  campaigns,
		recipients: recipients,
		log:        log.WithComponent("lifecycle"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// move validates and applies a transition. mutate may adjust other fields on
// the locked row and add audit metadata.
func (l *Lifecycle) move(ctx context.Context, id int, to model.CampaignStatus, action, actor string,
	mutate func(c *model.Campaign, meta map[string]any) error) (*model.Campaign, error) {

	var from model.CampaignStatus
	c, err := l.campaigns.Transition(ctx, id, func(c *model.Campaign) (*model.CampaignHistoryEntry, error) {
		from = c.Status
		if err := ValidateTransition(c.Status, to); err != nil {
			return nil, err
		}
		meta := map[string]any{"from": string(c.Status), "to": string(to)}
		if mutate != nil {
			if err := mutate(c, meta); err != nil {
				return nil, err
			}
		}
		c.Status = to
		return &model.CampaignHistoryEntry{Action: action, Actor: actor, Metadata: meta, CreatedAt: l.now()}, nil
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Int("campaign_id", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", actor).
		Msg("campaign transitioned")
	return c, nil
}

// Complete moves a drained campaign to sent and records final tallies. The
// counters are rebuilt from recipient rows on the way.
func (l *Lifecycle) Complete(ctx context.Context, id int) (*model.Campaign, error) {
	counts, err := l.recipients.StatusCounts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to tally recipients: %w", err)
	}
	if counts[model.RecipientPending] > 0 {
		return nil, appErrors.NewValidation("status", "campaign %d still has %d pending recipients", id, counts[model.RecipientPending])
	}

	c, err := l.move(ctx, id, model.StatusSent, model.ActionCompleted, actorProcessor, func(c *model.Campaign, meta map[string]any) error {
		now := l.now()
		c.CompletedAt = &now
		meta["sent"] = counts.Sent()
		meta["failed"] = counts[model.RecipientFailed]
		meta["skipped"] = counts[model.RecipientSkipped]
		meta["total"] = counts.Total()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := l.campaigns.SetCounters(ctx, id, counts.Total(), counts.Sent(), counts[model.RecipientFailed]); err != nil {
		l.log.Warn().Err(err).Int("campaign_id", id).Msg("failed to reconcile counters on completion")
	} else {
		c.TotalRecipients, c.SentCount, c.FailedCount = counts.Total(), counts.Sent(), counts[model.RecipientFailed]
	}
	return c, nil
}

// Fail moves a sending campaign to failed and stores the cause in the audit
// trail. It runs detached from ctx so a cancelled run can still record it.
func (l *Lifecycle) Fail(ctx context.Context, id int, cause error) error {
	ctx = context.WithoutCancel(ctx)
	_, err := l.move(ctx, id, model.StatusFailed, model.ActionFailed, actorProcessor, func(c *model.Campaign, meta map[string]any) error {
		now := l.now()
		c.CompletedAt = &now
		meta["error"] = cause.Error()
		return nil
	})
	if err != nil {
		l.log.Error().Err(err).Int("campaign_id", id).Msg("failed to mark campaign failed")
	}
	return err
}
