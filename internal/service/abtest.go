package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// DefaultMinSample is the delivered count every variant needs before a winner
// is declared.
const DefaultMinSample = 50

// Winner metrics.
const (
	MetricOpenRate  = "open_rate"
	MetricClickRate = "click_rate"
)

// VariantInput configures one variant.
type VariantInput struct {
	Label       string       `json:"label"`
	Subject     *string      `json:"subject,omitempty"`
	TemplateRef *string      `json:"template_ref,omitempty"`
	Params      model.Params `json:"params,omitempty"`
	Percentage  int          `json:"percentage"`
}

// VariantResult is the per-variant outcome of an A/B test.
type VariantResult struct {
	VariantID  int     `json:"variant_id"`
	Label      string  `json:"label"`
	Percentage int     `json:"percentage"`
	Recipients int     `json:"recipients"`
	Pending    int     `json:"pending"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Delivered  int     `json:"delivered"`
	Opened     int     `json:"opened"`
	Clicked    int     `json:"clicked"`
	Bounced    int     `json:"bounced"`
	OpenRate   float64 `json:"open_rate"`
	ClickRate  float64 `json:"click_rate"`
}

func (r VariantResult) metric(name string) float64 {
	if name == MetricClickRate {
		return r.ClickRate
	}
	return r.OpenRate
}

// ABTestService configures variants, assigns recipients and scores results.
type ABTestService struct {
	campaigns  repository.CampaignRepositoryInterface
	variants   repository.VariantRepositoryInterface
	recipients repository.RecipientRepositoryInterface
	minSample  int
	log        *logger.Logger
}

func NewABTestService(campaigns repository.CampaignRepositoryInterface, variants repository.VariantRepositoryInterface,
	recipients repository.RecipientRepositoryInterface, minSample int, log *logger.Logger) *ABTestService {
	if minSample <= 0 {
		minSample = DefaultMinSample
	}
	return &ABTestService{
		campaigns:  campaigns,
		variants:   variants,
		recipients: recipients,
		minSample:  minSample,
		log:        log.WithComponent("abtest"),
	}
}

// ValidateVariants enforces at least two variants summing to exactly 100%.
func ValidateVariants(inputs []VariantInput) error {
	if len(inputs) < 2 {
		return appErrors.NewValidation("variants", "at least 2 variants are required, got %d", len(inputs))
	}
	sum := 0
	labels := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		if in.Label == "" {
			return appErrors.NewValidation("variants", "variant %d has no label", i)
		}
		if labels[in.Label] {
			return appErrors.NewValidation("variants", "duplicate variant label %q", in.Label)
		}
		labels[in.Label] = true
		if in.Percentage < 0 || in.Percentage > 100 {
			return appErrors.NewValidation("variants", "variant %q percentage %d out of range", in.Label, in.Percentage)
		}
		sum += in.Percentage
	}
	if sum != 100 {
		return appErrors.NewValidation("variants", "percentages must sum to 100, got %d", sum)
	}
	return nil
}

// CreateVariants replaces the campaign's A/B configuration.
func (s *ABTestService) CreateVariants(ctx context.Context, campaignID int, inputs []VariantInput) ([]*model.Variant, error) {
	if err := ValidateVariants(inputs); err != nil {
		return nil, err
	}
	c, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return nil, appErrors.NewValidation("status", "variants cannot change once a campaign is %s", c.Status)
	}

	variants := make([]*model.Variant, len(inputs))
	for i, in := range inputs {
		variants[i] = &model.Variant{
			CampaignID:  campaignID,
			Label:       in.Label,
			Subject:     in.Subject,
			TemplateRef: in.TemplateRef,
			Params:      in.Params,
			Percentage:  in.Percentage,
		}
	}
	if err := s.variants.Replace(ctx, campaignID, variants); err != nil {
		return nil, fmt.Errorf("failed to store variants: %w", err)
	}

	s.log.Info().Int("campaign_id", campaignID).Int("variants", len(variants)).Msg("variants configured")
	return variants, nil
}

// AssignRecipients splits the campaign's recipients across its variants.
// The same campaign id and recipient set always give the same split. It
// returns the number of recipients per variant id, or nil when the campaign
// has no A/B configuration.
func (s *ABTestService) AssignRecipients(ctx context.Context, campaignID int) (map[int]int, error) {
	variants, err := s.variants.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if len(variants) < 2 {
		return nil, nil
	}
	ids, err := s.recipients.ListIDs(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	assignment := Assign(campaignID, ids, variants)
	sizes := make(map[int]int, len(assignment))
	for _, v := range variants {
		if err := s.recipients.AssignVariant(ctx, v.ID, assignment[v.ID]); err != nil {
			return nil, fmt.Errorf("failed to assign variant %d: %w", v.ID, err)
		}
		sizes[v.ID] = len(assignment[v.ID])
	}
	return sizes, nil
}

// SeedFromCampaignID derives the shuffle seed (32-bit FNV-1a of the decimal id).
func SeedFromCampaignID(campaignID int) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strconv.Itoa(campaignID)))
	return h.Sum32()
}

// Shuffle returns a Fisher-Yates shuffle of ids driven by seed. ids is not
// modified.
func Shuffle(ids []int, seed uint32) []int {
	out := make([]int, len(ids))
	copy(out, ids)
	rng := rand.New(rand.NewSource(int64(seed)))
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Partition cuts ids into contiguous slices sized round(n*pct/100). The last
// slice takes whatever rounding left over.
func Partition(ids []int, percentages []int) [][]int {
	parts := make([][]int, len(percentages))
	start := 0
	for i, pct := range percentages {
		if i == len(percentages)-1 {
			parts[i] = ids[start:]
			break
		}
		size := int(math.Round(float64(len(ids)*pct) / 100))
		end := min(start+size, len(ids))
		parts[i] = ids[start:end]
		start = end
	}
	return parts
}

// Assign maps variant id to recipient ids for a campaign.
func Assign(campaignID int, recipientIDs []int, variants []*model.Variant) map[int][]int {
	shuffled := Shuffle(recipientIDs, SeedFromCampaignID(campaignID))
	percentages := make([]int, len(variants))
	for i, v := range variants {
		percentages[i] = v.Percentage
	}
	parts := Partition(shuffled, percentages)

	out := make(map[int][]int, len(variants))
	for i, v := range variants {
		out[v.ID] = parts[i]
	}
	return out
}

// Results scores every variant of the campaign.
func (s *ABTestService) Results(ctx context.Context, campaignID int) ([]VariantResult, error) {
	variants, err := s.variants.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.recipients.VariantStatusCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	results := make([]VariantResult, 0, len(variants))
	for _, v := range variants {
		results = append(results, scoreVariant(v, counts[v.ID]))
	}
	return results, nil
}

func scoreVariant(v *model.Variant, c model.StatusCounts) VariantResult {
	r := VariantResult{
		VariantID:  v.ID,
		Label:      v.Label,
		Percentage: v.Percentage,
		Recipients: c.Total(),
		Pending:    c[model.RecipientPending],
		Sent:       c.Sent(),
		Failed:     c[model.RecipientFailed],
		Skipped:    c[model.RecipientSkipped],
		Bounced:    c[model.RecipientBounced],
	}

	// A clicked recipient was also opened and delivered.
	r.Delivered = c[model.RecipientDelivered] + c[model.RecipientOpened] + c[model.RecipientClicked]
	r.Opened = c[model.RecipientOpened] + c[model.RecipientClicked]
	r.Clicked = c[model.RecipientClicked]

	// Provider counters win when the webhook has populated them.
	if v.Delivered > 0 {
		r.Delivered = v.Delivered
	}
	if v.Opened > 0 {
		r.Opened = v.Opened
	}
	if v.Clicked > 0 {
		r.Clicked = v.Clicked
	}

	if r.Delivered > 0 {
		r.OpenRate = percent(r.Opened, r.Delivered)
		r.ClickRate = percent(r.Clicked, r.Delivered)
	}
	return r
}

func percent(n, d int) float64 {
	return math.Round(float64(n)/float64(d)*10000) / 100
}

// Winner returns the variant with the strictly highest metric, or nil while
// any variant is below the minimum delivered sample. Ties go to the variant
// listed first.
func (s *ABTestService) Winner(ctx context.Context, campaignID int, metric string) (*VariantResult, error) {
	if metric != MetricOpenRate && metric != MetricClickRate {
		return nil, appErrors.NewValidation("metric", "unsupported metric %q", metric)
	}
	results, err := s.Results(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return PickWinner(results, metric, s.minSample), nil
}

// PickWinner applies the winner rule to precomputed results.
func PickWinner(results []VariantResult, metric string, minSample int) *VariantResult {
	if len(results) == 0 {
		return nil
	}
	for _, r := range results {
		if r.Delivered < minSample {
			return nil
		}
	}
	best := 0
	for i := 1; i < len(results); i++ {
		if results[i].metric(metric) > results[best].metric(metric) {
			best = i
		}
	}
	w := results[best]
	return &w
}
