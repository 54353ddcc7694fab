package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

var allStatuses = []model.CampaignStatus{
	model.StatusDraft, model.StatusScheduled, model.StatusSending, model.StatusPaused,
	model.StatusSent, model.StatusCancelled, model.StatusFailed,
}

func TestTransitionMap(t *testing.T) {
	allowed := map[model.CampaignStatus]map[model.CampaignStatus]bool{
		model.StatusDraft:     {model.StatusScheduled: true, model.StatusSending: true, model.StatusCancelled: true},
		model.StatusScheduled: {model.StatusSending: true, model.StatusCancelled: true, model.StatusDraft: true},
		model.StatusSending:   {model.StatusPaused: true, model.StatusSent: true, model.StatusFailed: true, model.StatusCancelled: true},
		model.StatusPaused:    {model.StatusSending: true, model.StatusCancelled: true},
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[from][to]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
			if want {
				assert.NoError(t, ValidateTransition(from, to))
			} else {
				assert.True(t, appErrors.IsValidation(ValidateTransition(from, to)), "%s -> %s", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for _, s := range allStatuses {
		if s.Terminal() {
			assert.Empty(t, transitions[s], s)
		}
	}
}

func TestRejectedTransitionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if CanTransition(from, to) {
				continue
			}
			h := newHarness(t, testConfig())
			c := h.seedCampaign(t, from, 1)

			_, err := h.lifecycle.move(ctx, c.ID, to, "test", "tester", nil)
			require.Error(t, err)
			assert.True(t, appErrors.IsValidation(err))
			assert.Equal(t, from, h.status(t, c.ID))
			assert.Empty(t, h.campaigns.actions(c.ID))
		}
	}
}

func TestAllowedTransitionWritesOneAuditEntry(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.seedCampaign(t, model.StatusSending, 1)

	got, err := h.lifecycle.move(context.Background(), c.ID, model.StatusPaused, model.ActionPaused, "admin@example.com", withReason("wrong copy"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, got.Status)

	history, _ := h.campaigns.ListHistory(context.Background(), c.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionPaused, history[0].Action)
	assert.Equal(t, "admin@example.com", history[0].Actor)
	assert.Equal(t, "sending", history[0].Metadata["from"])
	assert.Equal(t, "paused", history[0].Metadata["to"])
	assert.Equal(t, "wrong copy", history[0].Metadata["reason"])
}

func TestCompleteRejectsPendingRecipients(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.seedCampaign(t, model.StatusSending, 2)

	_, err := h.lifecycle.Complete(context.Background(), c.ID)
	assert.True(t, appErrors.IsValidation(err))
	assert.Equal(t, model.StatusSending, h.status(t, c.ID))
}

func TestCompleteRecordsFinalTallies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	c := h.seedCampaign(t, model.StatusSending, 3)

	ids, _ := h.recipients.ListIDs(ctx, c.ID)
	require.NoError(t, h.recipients.MarkSent(ctx, ids[0], "m1"))
	require.NoError(t, h.recipients.MarkFailed(ctx, ids[1], "mailbox full"))
	require.NoError(t, h.recipients.MarkSkipped(ctx, ids[2], "unsubscribed"))

	got, err := h.lifecycle.Complete(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 3, got.TotalRecipients)

	history, _ := h.campaigns.ListHistory(ctx, c.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionCompleted, history[0].Action)
	assert.Equal(t, 1, history[0].Metadata["skipped"])
}

func TestFailStoresCause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(t, testConfig())
	c := h.seedCampaign(t, model.StatusSending, 1)

	cancel()
	require.NoError(t, h.lifecycle.Fail(ctx, c.ID, errBoom))

	assert.Equal(t, model.StatusFailed, h.status(t, c.ID))
	history, _ := h.campaigns.ListHistory(context.Background(), c.ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.ActionFailed, history[0].Action)
	assert.Equal(t, "boom", history[0].Metadata["error"])
}
