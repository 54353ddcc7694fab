package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

func TestBuildConversionTargetsFiltersIneligible(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.builder.now = func() time.Time { return now }
	consumed := now.Add(-time.Hour)

	h.audience.targets = []model.ConversionTarget{
		{Email: "ok@example.com", Name: "Ok Person", Token: "t1", Consent: true, ExpiresAt: now.Add(time.Hour), Product: "Boots", PriceCents: 4999, Currency: "EUR"},
		{Email: "expired@example.com", Token: "t2", Consent: true, ExpiresAt: now.Add(-time.Minute)},
		{Email: "used@example.com", Token: "t3", Consent: true, ExpiresAt: now.Add(time.Hour), ConsumedAt: &consumed},
		{Email: "noconsent@example.com", Token: "t4", Consent: false, ExpiresAt: now.Add(time.Hour)},
	}
	c := h.campaigns.put(&model.Campaign{Kind: model.KindConversion, Filter: model.AudienceFilter{BaseURL: "https://shop.example.com"}})

	res, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	r := h.recipients.byEmail(c.ID, "ok@example.com")
	require.NotNil(t, r)
	assert.Equal(t, "Ok", r.Params["first_name"])
	assert.Equal(t, "https://shop.example.com/claim/t1", r.Params["action_url"])
	assert.Equal(t, "49.99 EUR", r.Params["price"])
	assert.Equal(t, "Boots", r.Params["product"])
}

func TestBuildSubscribersResolvesUsersInBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.builder.maxRecipients = 5000

	for i := 1; i <= 1200; i++ {
		h.audience.subs = append(h.audience.subs, model.Subscription{
			ID: i, UserID: i, Status: "active", PlanName: "Monthly box", PriceCents: 1500, Currency: "USD",
			RenewsAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		})
		if i != 7 {
			h.audience.users[i] = model.User{ID: i, Email: fmt.Sprintf("sub%d@example.com", i), FirstName: "Sub", LastName: fmt.Sprint(i)}
		}
	}
	h.audience.subs = append(h.audience.subs, model.Subscription{ID: 9999, UserID: 1, Status: "cancelled"})
	c := h.campaigns.put(&model.Campaign{Kind: model.KindSubscribers})

	res, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1199, res.Inserted, "user 7 has no account row")

	require.Len(t, h.audience.lookups, 3)
	assert.Len(t, h.audience.lookups[0], 500)
	assert.Len(t, h.audience.lookups[2], 200)

	r := h.recipients.byEmail(c.ID, "sub12@example.com")
	require.NotNil(t, r)
	assert.Equal(t, "Sub 12", r.Name)
	assert.Equal(t, "Monthly box", r.Params["plan"])
	assert.Equal(t, "15.00 USD", r.Params["price"])
	assert.Equal(t, "2026-04-01", r.Params["renews_at"])
	assert.Equal(t, "/account/subscriptions/12", r.Params["manage_url"])
}

func TestBuildCustomersDedupesByAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	h.audience.buyers = []model.Buyer{
		{Email: "Ann@Example.com", Name: "Ann Lee", OrderCount: 3, FirstOrderAt: cutoff.AddDate(0, -6, 0)},
		{Email: "ann@example.com ", Name: "Ann Lee", OrderCount: 1, FirstOrderAt: cutoff.AddDate(0, -2, 0)},
		{Email: "late@example.com", Name: "Late Buyer", OrderCount: 1, FirstOrderAt: cutoff.AddDate(0, 1, 0)},
	}
	c := h.campaigns.put(&model.Campaign{Kind: model.KindCustomers, Filter: model.AudienceFilter{OrderedBefore: &cutoff}})

	res, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Inserted)

	r := h.recipients.byEmail(c.ID, "ann@example.com")
	require.NotNil(t, r)
	assert.Equal(t, "3", r.Params["order_count"])
}

func TestBuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.audience.accounts = []model.User{
		{ID: 1, Email: "a@example.com", FirstName: "A"},
		{ID: 2, Email: "b@example.com", FirstName: "B"},
	}
	c := h.campaigns.put(&model.Campaign{Kind: model.KindCustomers, Filter: model.AudienceFilter{AllAccounts: true}})

	first, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	h.audience.accounts = append(h.audience.accounts, model.User{ID: 3, Email: "c@example.com"})
	second, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, 2, second.Duplicates)
	assert.Equal(t, 3, h.counts(t, c.ID).Total())
}

func TestBuildCapsRecipients(t *testing.T) {
	h := newHarness(t, testConfig())
	h.builder.maxRecipients = 5
	for i := 0; i < 8; i++ {
		h.audience.accounts = append(h.audience.accounts, model.User{ID: i, Email: fmt.Sprintf("u%d@example.com", i)})
	}
	c := h.campaigns.put(&model.Campaign{Kind: model.KindCustomers, Filter: model.AudienceFilter{AllAccounts: true}})

	res, err := h.builder.Build(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 5, res.Inserted)
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.campaigns.put(&model.Campaign{Kind: "newsletter"})

	_, err := h.builder.Build(context.Background(), c)
	assert.True(t, appErrors.IsValidation(err))
}

func TestFrozenParamsSurviveSourceChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.audience.accounts = []model.User{{ID: 1, Email: "a@example.com", FirstName: "Alice"}}
	c := h.campaigns.put(&model.Campaign{Kind: model.KindCustomers, Status: model.StatusSending, Subject: "Hi {first_name}", Filter: model.AudienceFilter{AllAccounts: true}})

	_, err := h.builder.Build(ctx, c)
	require.NoError(t, err)
	h.audience.accounts[0].FirstName = "Renamed"

	_, err = h.processor.Run(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice", h.sender.sent[0].Subject)
}
