package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// userLookupBatch bounds the id list of one UsersByIDs call.
const userLookupBatch = 500

// BuildResult reports what a build produced.
type BuildResult struct {
	Candidates int  `json:"candidates"`
	Inserted   int  `json:"inserted"`
	Duplicates int  `json:"duplicates"`
	Truncated  bool `json:"truncated"`
}

// RecipientBuilder materialises a frozen recipient snapshot for a campaign.
// Params are computed once here; later changes to the source rows do not
// reach a running campaign. Re-running a build is safe.
type RecipientBuilder struct {
	audience      repository.AudienceRepositoryInterface
	recipients    repository.RecipientRepositoryInterface
	maxRecipients int
	log           *logger.Logger
	now           func() time.Time
}

func NewRecipientBuilder(audience repository.AudienceRepositoryInterface, recipients repository.RecipientRepositoryInterface, maxRecipients int, log *logger.Logger) *RecipientBuilder {
	return &RecipientBuilder{
		audience:      audience,
		recipients:    recipients,
		maxRecipients: maxRecipients,
		log:           log.WithComponent("builder"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Build collects recipients from the audience source of the campaign's kind.
func (b *RecipientBuilder) Build(ctx context.Context, c *model.Campaign) (*BuildResult, error) {
	var (
		rows []*model.Recipient
		err  error
	)
	// One extra row tells us the audience was larger than the cap.
	limit := b.maxRecipients + 1

	switch c.Kind {
	case model.KindConversion:
		rows, err = b.conversionTargets(ctx, c, limit)
	case model.KindSubscribers:
		rows, err = b.subscribers(ctx, c, limit)
	case model.KindCustomers:
		rows, err = b.customers(ctx, c, limit)
	default:
		return nil, appErrors.NewValidation("kind", "unknown campaign kind %q", c.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s audience: %w", c.Kind, err)
	}

	rows = dedupeByEmail(rows)
	res := &BuildResult{}
	if len(rows) > b.maxRecipients {
		rows = rows[:b.maxRecipients]
		res.Truncated = true
	}
	res.Candidates = len(rows)

	inserted, err := b.recipients.InsertBatch(ctx, rows)
	if err != nil {
		return nil, err
	}
	res.Inserted = inserted
	res.Duplicates = res.Candidates - inserted

	b.log.Info().
		Int("campaign_id", c.ID).
		Str("kind", string(c.Kind)).
		Int("candidates", res.Candidates).
		Int("inserted", res.Inserted).
		Bool("truncated", res.Truncated).
		Msg("recipients built")
	return res, nil
}

func (b *RecipientBuilder) conversionTargets(ctx context.Context, c *model.Campaign, limit int) ([]*model.Recipient, error) {
	now := b.now()
	targets, err := b.audience.ListConversionTargets(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	rows := make([]*model.Recipient, 0, len(targets))
	for _, t := range targets {
		if !t.Eligible(now) {
			continue
		}
		params := model.Params{
			"first_name": firstName(t.Name),
			"action_url": buildURL(c.Filter.BaseURL, "claim", t.Token),
			"expires_at": t.ExpiresAt.Format(time.RFC3339),
		}
		if t.Product != "" {
			params["product"] = t.Product
			params["price"] = formatPrice(t.PriceCents, t.Currency)
		}
		rows = append(rows, &model.Recipient{CampaignID: c.ID, Email: t.Email, Name: t.Name, Params: params})
	}
	return rows, nil
}

func (b *RecipientBuilder) subscribers(ctx context.Context, c *model.Campaign, limit int) ([]*model.Recipient, error) {
	subs, err := b.audience.ListSubscriptions(ctx, c.Filter.Statuses, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.UserID)
	}
	users, err := b.usersByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	rows := make([]*model.Recipient, 0, len(subs))
	for _, s := range subs {
		u, ok := users[s.UserID]
		if !ok || u.Email == "" {
			continue
		}
		rows = append(rows, &model.Recipient{
			CampaignID: c.ID,
			Email:      u.Email,
			Name:       u.DisplayName(),
			Params: model.Params{
				"first_name": u.FirstName,
				"plan":       s.PlanName,
				"price":      formatPrice(s.PriceCents, s.Currency),
				"renews_at":  s.RenewsAt.Format("2006-01-02"),
				"manage_url": buildURL(c.Filter.BaseURL, "account", "subscriptions", fmt.Sprint(s.ID)),
			},
		})
	}
	return rows, nil
}

func (b *RecipientBuilder) customers(ctx context.Context, c *model.Campaign, limit int) ([]*model.Recipient, error) {
	if c.Filter.AllAccounts {
		users, err := b.audience.ListUsers(ctx, limit)
		if err != nil {
			return nil, err
		}
		rows := make([]*model.Recipient, 0, len(users))
		for _, u := range users {
			rows = append(rows, &model.Recipient{
				CampaignID: c.ID,
				Email:      u.Email,
				Name:       u.DisplayName(),
				Params: model.Params{
					"first_name": u.FirstName,
					"shop_url":   buildURL(c.Filter.BaseURL),
				},
			})
		}
		return rows, nil
	}

	buyers, err := b.audience.ListBuyers(ctx, c.Filter.OrderedBefore, limit)
	if err != nil {
		return nil, err
	}
	rows := make([]*model.Recipient, 0, len(buyers))
	for _, buyer := range buyers {
		rows = append(rows, &model.Recipient{
			CampaignID: c.ID,
			Email:      buyer.Email,
			Name:       buyer.Name,
			Params: model.Params{
				"first_name":     firstName(buyer.Name),
				"order_count":    fmt.Sprint(buyer.OrderCount),
				"first_order_at": buyer.FirstOrderAt.Format("2006-01-02"),
				"shop_url":       buildURL(c.Filter.BaseURL),
			},
		})
	}
	return rows, nil
}

// usersByIDs resolves ids in fixed-size batches, one direct lookup each.
func (b *RecipientBuilder) usersByIDs(ctx context.Context, ids []int) (map[int]model.User, error) {
	out := make(map[int]model.User, len(ids))
	for start := 0; start < len(ids); start += userLookupBatch {
		end := min(start+userLookupBatch, len(ids))
		users, err := b.audience.UsersByIDs(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for id, u := range users {
			out[id] = u
		}
	}
	return out, nil
}

func dedupeByEmail(rows []*model.Recipient) []*model.Recipient {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		r.Email = strings.ToLower(strings.TrimSpace(r.Email))
		if r.Email == "" || seen[r.Email] {
			continue
		}
		seen[r.Email] = true
		out = append(out, r)
	}
	return out
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return ""
}

func formatPrice(cents int64, currency string) string {
	s := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if currency != "" {
		s += " " + currency
	}
	return s
}

func buildURL(base string, elem ...string) string {
	if base == "" {
		return "/" + strings.Join(elem, "/")
	}
	u, err := url.JoinPath(base, elem...)
	if err != nil {
		return base
	}
	return u
}
