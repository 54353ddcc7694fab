package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/transport"
)

// --- Mock Campaign Repository ---

type MockCampaignRepo struct {
	mu        sync.Mutex
	nextID    int
	campaigns map[int]*model.Campaign
	history   []*model.CampaignHistoryEntry

	// afterIncrement runs after every IncrementCounters call, outside the lock.
	afterIncrement func(id int)
	statusErr      error
}

func NewMockCampaignRepo() *MockCampaignRepo {
	return &MockCampaignRepo{campaigns: map[int]*model.Campaign{}}
}

func (m *MockCampaignRepo) Create(_ context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*model.Campaign
	for _, c := range m.campaigns {
		if (kind == "" || string(c.Kind) == kind) && (status == "" || string(c.Status) == status) {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	return all[offset:min(offset+limit, len(all))], len(all), nil
}

func (m *MockCampaignRepo) GetStatus(_ context.Context, id int) (model.CampaignStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return "", m.statusErr
	}
	c, ok := m.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return c.Status, nil
}

func (m *MockCampaignRepo) ListDueScheduled(_ context.Context, now time.Time) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for id, c := range m.campaigns {
		if c.Status == model.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (m *MockCampaignRepo) Transition(_ context.Context, id int, fn repository.TransitionFunc) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *cur
	entry, err := fn(&cp)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cp.UpdatedAt = &now
	m.campaigns[id] = &cp
	if entry != nil {
		entry.CampaignID = id
		m.history = append(m.history, entry)
	}
	out := cp
	return &out, nil
}

func (m *MockCampaignRepo) IncrementCounters(_ context.Context, id, sent, failed int) error {
	m.mu.Lock()
	c, ok := m.campaigns[id]
	if ok {
		c.SentCount += sent
		c.FailedCount += failed
	}
	hook := m.afterIncrement
	m.mu.Unlock()
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if hook != nil {
		hook(id)
	}
	return nil
}

func (m *MockCampaignRepo) SetCounters(_ context.Context, id, total, sent, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.TotalRecipients, c.SentCount, c.FailedCount = total, sent, failed
	return nil
}

func (m *MockCampaignRepo) AppendHistory(_ context.Context, e *model.CampaignHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

func (m *MockCampaignRepo) ListHistory(_ context.Context, campaignID int) ([]*model.CampaignHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CampaignHistoryEntry
	for _, e := range m.history {
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out, nil
}

// actions lists the campaign's audit actions in order.
func (m *MockCampaignRepo) actions(campaignID int) []string {
	entries, _ := m.ListHistory(context.Background(), campaignID)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (m *MockCampaignRepo) put(c *model.Campaign) *model.Campaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	cp := *c
	m.campaigns[c.ID] = &cp
	return c
}

// --- Mock Recipient Repository ---

type MockRecipientRepo struct {
	mu      sync.Mutex
	nextID  int
	rows    []*model.Recipient
	markErr error
}

func NewMockRecipientRepo() *MockRecipientRepo {
	return &MockRecipientRepo{}
}

func (m *MockRecipientRepo) InsertBatch(_ context.Context, recipients []*model.Recipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, r := range recipients {
		if m.find(r.CampaignID, r.Email) != nil {
			continue
		}
		m.nextID++
		cp := *r
		cp.ID = m.nextID
		cp.Status = model.RecipientPending
		cp.CreatedAt = time.Now().UTC()
		m.rows = append(m.rows, &cp)
		inserted++
	}
	return inserted, nil
}

func (m *MockRecipientRepo) find(campaignID int, email string) *model.Recipient {
	for _, r := range m.rows {
		if r.CampaignID == campaignID && strings.EqualFold(r.Email, email) {
			return r
		}
	}
	return nil
}

func (m *MockRecipientRepo) FetchPending(_ context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Recipient
	for _, r := range m.rows {
		if r.CampaignID == campaignID && r.Status == model.RecipientPending {
			cp := *r
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MockRecipientRepo) ListIDs(_ context.Context, campaignID int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int
	for _, r := range m.rows {
		if r.CampaignID == campaignID {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *MockRecipientRepo) AssignVariant(_ context.Context, variantID int, recipientIDs []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int]bool, len(recipientIDs))
	for _, id := range recipientIDs {
		want[id] = true
	}
	for _, r := range m.rows {
		if want[r.ID] {
			vid := variantID
			r.VariantID = &vid
		}
	}
	return nil
}

func (m *MockRecipientRepo) mark(id int, status model.RecipientStatus, apply func(r *model.Recipient)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for _, r := range m.rows {
		if r.ID == id && r.Status == model.RecipientPending {
			r.Status = status
			apply(r)
		}
	}
	return nil
}

func (m *MockRecipientRepo) MarkSent(_ context.Context, id int, providerMessageID string) error {
	return m.mark(id, model.RecipientSent, func(r *model.Recipient) { r.ProviderMessageID = providerMessageID })
}

func (m *MockRecipientRepo) MarkFailed(_ context.Context, id int, lastError string) error {
	return m.mark(id, model.RecipientFailed, func(r *model.Recipient) { r.LastError = lastError })
}

func (m *MockRecipientRepo) MarkSkipped(_ context.Context, id int, reason string) error {
	return m.mark(id, model.RecipientSkipped, func(r *model.Recipient) { r.LastError = reason })
}

func (m *MockRecipientRepo) StatusCounts(_ context.Context, campaignID int) (model.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := model.StatusCounts{}
	for _, r := range m.rows {
		if r.CampaignID == campaignID {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (m *MockRecipientRepo) VariantStatusCounts(_ context.Context, campaignID int) (map[int]model.StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int]model.StatusCounts{}
	for _, r := range m.rows {
		if r.CampaignID != campaignID || r.VariantID == nil {
			continue
		}
		if out[*r.VariantID] == nil {
			out[*r.VariantID] = model.StatusCounts{}
		}
		out[*r.VariantID][r.Status]++
	}
	return out, nil
}

func (m *MockRecipientRepo) byEmail(campaignID int, email string) *model.Recipient {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(campaignID, email)
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// setStatus forces a status the way the webhook handler would.
func (m *MockRecipientRepo) setStatus(campaignID int, status model.RecipientStatus, n int, variantID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if n == 0 {
			return
		}
		if r.CampaignID == campaignID && r.VariantID != nil && *r.VariantID == variantID && r.Status == model.RecipientSent {
			r.Status = status
			n--
		}
	}
}

// --- Mock Variant Repository ---

type MockVariantRepo struct {
	mu       sync.Mutex
	nextID   int
	variants map[int][]*model.Variant
}

func NewMockVariantRepo() *MockVariantRepo {
	return &MockVariantRepo{variants: map[int][]*model.Variant{}}
}

func (m *MockVariantRepo) Replace(_ context.Context, campaignID int, variants []*model.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]*model.Variant, 0, len(variants))
	for _, v := range variants {
		m.nextID++
		v.ID = m.nextID
		v.CampaignID = campaignID
		cp := *v
		stored = append(stored, &cp)
	}
	m.variants[campaignID] = stored
	return nil
}

func (m *MockVariantRepo) ListByCampaign(_ context.Context, campaignID int) ([]*model.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Variant, 0, len(m.variants[campaignID]))
	for _, v := range m.variants[campaignID] {
		cp := *v
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockVariantRepo) IncrementSent(_ context.Context, variantID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.variants {
		for _, v := range list {
			if v.ID == variantID {
				v.SentCount++
				return nil
			}
		}
	}
	return fmt.Errorf("variant %d not found", variantID)
}

// --- Mock Audience Repository ---

type MockAudienceRepo struct {
	targets  []model.ConversionTarget
	subs     []model.Subscription
	users    map[int]model.User
	buyers   []model.Buyer
	accounts []model.User

	lookups [][]int
}

func (m *MockAudienceRepo) ListConversionTargets(_ context.Context, _ time.Time, limit int) ([]model.ConversionTarget, error) {
	return m.targets[:min(limit, len(m.targets))], nil
}

func (m *MockAudienceRepo) ListSubscriptions(_ context.Context, statuses []string, limit int) ([]model.Subscription, error) {
	if len(statuses) == 0 {
		statuses = []string{"active"}
	}
	var out []model.Subscription
	for _, s := range m.subs {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
			}
		}
	}
	return out[:min(limit, len(out))], nil
}

func (m *MockAudienceRepo) UsersByIDs(_ context.Context, ids []int) (map[int]model.User, error) {
	m.lookups = append(m.lookups, ids)
	out := map[int]model.User{}
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *MockAudienceRepo) ListBuyers(_ context.Context, orderedBefore *time.Time, limit int) ([]model.Buyer, error) {
	var out []model.Buyer
	for _, b := range m.buyers {
		if orderedBefore == nil || b.FirstOrderAt.Before(*orderedBefore) {
			out = append(out, b)
		}
	}
	return out[:min(limit, len(out))], nil
}

func (m *MockAudienceRepo) ListUsers(_ context.Context, limit int) ([]model.User, error) {
	return m.accounts[:min(limit, len(m.accounts))], nil
}

// --- Collaborators ---

type MockSender struct {
	mu    sync.Mutex
	sent  []transport.Message
	reply func(msg transport.Message) (transport.Result, error)
}

func (m *MockSender) Send(_ context.Context, msg transport.Message) (transport.Result, error) {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	n := len(m.sent)
	reply := m.reply
	m.mu.Unlock()
	if reply != nil {
		return reply(msg)
	}
	return transport.Result{Success: true, MessageID: fmt.Sprintf("msg-%d", n)}, nil
}

func (m *MockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type MockUnsubscribes struct {
	emails map[string]bool
	err    error
}

func (m *MockUnsubscribes) IsUnsubscribed(_ context.Context, email string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.emails[email], nil
}

type MockSendLog struct {
	mu      sync.Mutex
	entries []*model.SendLogEntry
	err     error
	panics  bool
}

func (m *MockSendLog) Insert(_ context.Context, e *model.SendLogEntry) error {
	if m.panics {
		panic("send log exploded")
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type MockUsage struct {
	mu     sync.Mutex
	months map[string]int
}

func (m *MockUsage) Increment(_ context.Context, month string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.months == nil {
		m.months = map[string]int{}
	}
	m.months[month] += n
	return m.months[month], nil
}

// --- Harness ---

type harness struct {
	campaigns  *MockCampaignRepo
	recipients *MockRecipientRepo
	variants   *MockVariantRepo
	audience   *MockAudienceRepo
	sender     *MockSender
	unsubs     *MockUnsubscribes
	sendLog    *MockSendLog
	usage      *MockUsage
	locker     *lease.MemoryLocker

	lifecycle *Lifecycle
	processor *Processor
	builder   *RecipientBuilder
	ab        *ABTestService
	svc       *CampaignService

	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg ProcessorConfig) *harness {
	t.Helper()
	log := logger.Nop()
	h := &harness{
		campaigns:  NewMockCampaignRepo(),
		recipients: NewMockRecipientRepo(),
		variants:   NewMockVariantRepo(),
		audience:   &MockAudienceRepo{users: map[int]model.User{}},
		sender:     &MockSender{},
		unsubs:     &MockUnsubscribes{emails: map[string]bool{}},
		sendLog:    &MockSendLog{},
		usage:      &MockUsage{},
		locker:     lease.NewMemoryLocker(),
	}
	h.lifecycle = NewLifecycle(h.campaigns, h.recipients, log)
	h.processor = NewProcessor(ProcessorDeps{
		Campaigns:    h.campaigns,
		Recipients:   h.recipients,
		Variants:     h.variants,
		Lifecycle:    h.lifecycle,
		Sender:       h.sender,
		Unsubscribes: NewUnsubscribeChecker(h.unsubs, log),
		SendLog:      h.sendLog,
		Usage:        h.usage,
		Locker:       h.locker,
	}, cfg, log)
	h.processor.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}
	h.builder = NewRecipientBuilder(h.audience, h.recipients, 1000, log)
	h.ab = NewABTestService(h.campaigns, h.variants, h.recipients, DefaultMinSample, log)
	h.svc = NewCampaignService(h.campaigns, h.recipients, h.variants, h.lifecycle, h.builder, h.ab, h.processor, nil, log)
	return h
}

// seedCampaign stores a campaign in status with n pending recipients.
func (h *harness) seedCampaign(t *testing.T, status model.CampaignStatus, n int) *model.Campaign {
	t.Helper()
	c := h.campaigns.put(&model.Campaign{
		Name:        "Spring sale",
		Kind:        model.KindCustomers,
		Status:      status,
		Subject:     "Hello {first_name}",
		TemplateRef: "spring-sale",
		Params:      model.Params{"discount": "10%"},
	})
	rows := make([]*model.Recipient, n)
	for i := range rows {
		rows[i] = &model.Recipient{
			CampaignID: c.ID,
			Email:      fmt.Sprintf("user%03d@example.com", i),
			Name:       fmt.Sprintf("User %d", i),
			Params:     model.Params{"first_name": fmt.Sprintf("User%d", i)},
		}
	}
	_, err := h.recipients.InsertBatch(context.Background(), rows)
	require.NoError(t, err)
	return c
}

func (h *harness) status(t *testing.T, id int) model.CampaignStatus {
	t.Helper()
	st, err := h.campaigns.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (h *harness) counts(t *testing.T, id int) model.StatusCounts {
	t.Helper()
	c, err := h.recipients.StatusCounts(context.Background(), id)
	require.NoError(t, err)
	return c
}

func testConfig() ProcessorConfig {
	cfg := DefaultProcessorConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	return cfg
}

var errBoom = errors.New("boom")
