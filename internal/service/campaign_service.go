// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/queue"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

const actorScheduler = "system:scheduler"

// CampaignService is the entry point for every campaign operation. Processing
// is dispatched to the chunk queue when one is configured, otherwise the
// Processor runs until the campaign drains or stops: on its own goroutine
// after RunInBackground, in the caller's goroutine before.
type CampaignService struct {
	CampaignRepo  repository.CampaignRepositoryInterface
	RecipientRepo repository.RecipientRepositoryInterface
	VariantRepo   repository.VariantRepositoryInterface
	Lifecycle     *Lifecycle
	Builder       *RecipientBuilder
	ABTest        *ABTestService
	Processor     *Processor
	Queue         queue.Queue

	// LeaseWait and LeaseAttempts bound how long a background run waits for
	// a campaign another processor still holds.
	LeaseWait     time.Duration
	LeaseAttempts int

	bg   context.Context
	runs sync.WaitGroup

	log *logger.Logger
	now func() time.Time
}

func NewCampaignService(campaigns repository.CampaignRepositoryInterface, recipients repository.RecipientRepositoryInterface,
	variants repository.VariantRepositoryInterface, lifecycle *Lifecycle, builder *RecipientBuilder, ab *ABTestService,
	processor *Processor, q queue.Queue, log *logger.Logger) *CampaignService {
	return &CampaignService{
		CampaignRepo:  campaigns,
		RecipientRepo: recipients,
		VariantRepo:   variants,
		Lifecycle:     lifecycle,
		Builder:       builder,
		ABTest:        ab,
		Processor:     processor,
		Queue:         q,
		LeaseWait:     2 * time.Second,
		LeaseAttempts: 30,
		log:           log.WithComponent("campaigns"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput describes a new campaign.
type CreateCampaignInput struct {
	Name        string               `json:"name"`
	Kind        model.CampaignKind   `json:"kind"`
	Filter      model.AudienceFilter `json:"audience_filter"`
	Subject     string               `json:"subject"`
	TemplateRef string               `json:"template_ref"`
	Params      model.Params         `json:"params"`
	ScheduledAt *time.Time           `json:"scheduled_at,omitempty"`
}

// CreateCampaignResult is the stored campaign and its build outcome.
type CreateCampaignResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Build    *BuildResult    `json:"build"`
}

// DispatchResult reports how processing was handed off after start or resume.
type DispatchResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Queued     bool            `json:"queued"`
	Background bool            `json:"background,omitempty"`
	Run        *RunResult      `json:"run,omitempty"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats    map[string]int   `json:"stats"`
	Variants []*model.Variant `json:"variants,omitempty"`
}

func (in CreateCampaignInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return appErrors.NewValidation("name", "name is required")
	}
	if !in.Kind.Valid() {
		return appErrors.NewValidation("kind", "unknown campaign kind %q", in.Kind)
	}
	if strings.TrimSpace(in.Subject) == "" && strings.TrimSpace(in.TemplateRef) == "" {
		return appErrors.NewValidation("subject", "subject or template_ref is required")
	}
	return nil
}

// CreateCampaign stores a draft, builds its recipients and optionally
// schedules it. A failed build leaves the draft in place; building again is
// safe.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput, actor string) (*CreateCampaignResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.ScheduledAt != nil && !in.ScheduledAt.After(s.now()) {
		return nil, appErrors.NewValidation("scheduled_at", "scheduled time must be in the future")
	}

	c := &model.Campaign{
		Name:        in.Name,
		Kind:        in.Kind,
		Status:      model.StatusDraft,
		Filter:      in.Filter,
		Subject:     in.Subject,
		TemplateRef: in.TemplateRef,
		Params:      in.Params,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, c.ID, model.ActionCreated, actor, map[string]any{"kind": string(c.Kind)})

	res, err := s.build(ctx, c)
	if err != nil {
		return &CreateCampaignResult{Campaign: c}, err
	}

	if in.ScheduledAt != nil {
		scheduled, err := s.Schedule(ctx, c.ID, *in.ScheduledAt, actor)
		if err != nil {
			return &CreateCampaignResult{Campaign: c, Build: res}, err
		}
		c = scheduled
	}
	return &CreateCampaignResult{Campaign: c, Build: res}, nil
}

// Rebuild re-runs the builder for a draft or scheduled campaign. Existing
// recipients are kept.
func (s *CampaignService) Rebuild(ctx context.Context, id int) (*BuildResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return nil, appErrors.NewValidation("status", "recipients are frozen once a campaign is %s", c.Status)
	}
	return s.build(ctx, c)
}

func (s *CampaignService) build(ctx context.Context, c *model.Campaign) (*BuildResult, error) {
	res, err := s.Builder.Build(ctx, c)
	if err != nil {
		return nil, err
	}
	counts, err := s.RecipientRepo.StatusCounts(ctx, c.ID)
	if err != nil {
		return res, err
	}
	if err := s.CampaignRepo.SetCounters(ctx, c.ID, counts.Total(), counts.Sent(), counts[model.RecipientFailed]); err != nil {
		return res, err
	}
	c.TotalRecipients = counts.Total()
	return res, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, kind, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, kind, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetailsWithStats returns the campaign with a live recipient tally.
// The stats come from recipient rows, not from the cached counters.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id int) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.RecipientRepo.StatusCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	variants, err := s.VariantRepo.ListByCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": counts.Total()}
	for _, st := range []model.RecipientStatus{
		model.RecipientPending, model.RecipientSent, model.RecipientFailed, model.RecipientSkipped,
		model.RecipientDelivered, model.RecipientOpened, model.RecipientClicked, model.RecipientBounced,
	} {
		stats[string(st)] = counts[st]
	}
	return &CampaignDetails{Campaign: c, Stats: stats, Variants: variants}, nil
}

// Start moves a draft or scheduled campaign to sending and dispatches it.
// Configured variants are assigned before the transition. A campaign with no
// recipients is dispatched too and completes straight to sent.
func (s *CampaignService) Start(ctx context.Context, id int, actor string) (*DispatchResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
		return nil, appErrors.NewValidation("status", "cannot start a campaign that is %s", c.Status)
	}

	counts, err := s.RecipientRepo.StatusCounts(ctx, id)
	if err != nil {
		return nil, err
	}

	sizes, err := s.ABTest.AssignRecipients(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to assign variants: %w", err)
	}

	c, err = s.Lifecycle.move(ctx, id, model.StatusSending, model.ActionStarted, actor, func(c *model.Campaign, meta map[string]any) error {
		if c.Status != model.StatusDraft && c.Status != model.StatusScheduled {
			return appErrors.NewValidation("status", "cannot start a campaign that is %s", c.Status)
		}
		now := s.now()
		c.StartedAt = &now
		c.TotalRecipients = counts.Total()
		meta["total_recipients"] = counts.Total()
		if len(sizes) > 0 {
			variants := make(map[string]int, len(sizes))
			for vid, n := range sizes {
				variants[fmt.Sprint(vid)] = n
			}
			meta["variants"] = variants
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, c)
}

// Schedule sets a future dispatch time on a draft.
func (s *CampaignService) Schedule(ctx context.Context, id int, at time.Time, actor string) (*model.Campaign, error) {
	if !at.After(s.now()) {
		return nil, appErrors.NewValidation("scheduled_at", "scheduled time must be in the future")
	}
	at = at.UTC()
	return s.Lifecycle.move(ctx, id, model.StatusScheduled, model.ActionScheduled, actor, func(c *model.Campaign, meta map[string]any) error {
		c.ScheduledAt = &at
		meta["scheduled_at"] = at.Format(time.RFC3339)
		return nil
	})
}

// Unschedule returns a scheduled campaign to draft.
func (s *CampaignService) Unschedule(ctx context.Context, id int, actor string) (*model.Campaign, error) {
	return s.Lifecycle.move(ctx, id, model.StatusDraft, model.ActionUnschedule, actor, func(c *model.Campaign, meta map[string]any) error {
		c.ScheduledAt = nil
		return nil
	})
}

// Pause stops a sending campaign at the next batch boundary. The batch in
// flight still finishes.
func (s *CampaignService) Pause(ctx context.Context, id int, reason, actor string) (*model.Campaign, error) {
	return s.Lifecycle.move(ctx, id, model.StatusPaused, model.ActionPaused, actor, withReason(reason))
}

// Resume puts a paused campaign back to sending and dispatches it again.
// Processing continues from whatever is still pending.
func (s *CampaignService) Resume(ctx context.Context, id int, actor string) (*DispatchResult, error) {
	c, err := s.Lifecycle.move(ctx, id, model.StatusSending, model.ActionResumed, actor, func(c *model.Campaign, meta map[string]any) error {
		if c.Status != model.StatusPaused {
			return appErrors.NewValidation("status", "cannot resume a campaign that is %s", c.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, c)
}

// Cancel ends any non-terminal campaign. Recipients still pending stay pending.
func (s *CampaignService) Cancel(ctx context.Context, id int, reason, actor string) (*model.Campaign, error) {
	reasonFn := withReason(reason)
	return s.Lifecycle.move(ctx, id, model.StatusCancelled, model.ActionCancelled, actor, func(c *model.Campaign, meta map[string]any) error {
		now := s.now()
		c.CompletedAt = &now
		return reasonFn(c, meta)
	})
}

// Complete finalises a drained campaign.
func (s *CampaignService) Complete(ctx context.Context, id int) (*model.Campaign, error) {
	return s.Lifecycle.Complete(ctx, id)
}

// Duplicate creates a new draft with the same content and audience filter and
// rebuilds its recipients against the current audience. A/B configuration is
// not copied.
func (s *CampaignService) Duplicate(ctx context.Context, id int, actor string) (*CreateCampaignResult, error) {
	src, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c := &model.Campaign{
		Name:        src.Name + " (copy)",
		Kind:        src.Kind,
		Status:      model.StatusDraft,
		Filter:      src.Filter,
		Subject:     src.Subject,
		TemplateRef: src.TemplateRef,
		Params:      src.Params.Clone(),
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.appendHistory(ctx, c.ID, model.ActionDuplicated, actor, map[string]any{"source_id": src.ID})

	res, err := s.build(ctx, c)
	if err != nil {
		return &CreateCampaignResult{Campaign: c}, err
	}
	return &CreateCampaignResult{Campaign: c, Build: res}, nil
}

// DispatchDue starts every scheduled campaign whose time has come. One
// failing campaign does not hold back the others; their errors are joined.
func (s *CampaignService) DispatchDue(ctx context.Context, now time.Time) ([]int, error) {
	ids, err := s.CampaignRepo.ListDueScheduled(ctx, now)
	if err != nil {
		return nil, err
	}

	var (
		started []int
		errs    []error
	)
	for _, id := range ids {
		if _, err := s.Start(ctx, id, actorScheduler); err != nil {
			s.log.Error().Err(err).Int("campaign_id", id).Msg("failed to start scheduled campaign")
			errs = append(errs, fmt.Errorf("campaign %d: %w", id, err))
			continue
		}
		started = append(started, id)
	}
	return started, errors.Join(errs...)
}

// ReconcileCounters rebuilds the cached counters from recipient rows.
func (s *CampaignService) ReconcileCounters(ctx context.Context, id int, actor string) (model.StatusCounts, error) {
	if _, err := s.CampaignRepo.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	counts, err := s.RecipientRepo.StatusCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	sent, failed := counts.Sent(), counts[model.RecipientFailed]
	if err := s.CampaignRepo.SetCounters(ctx, id, counts.Total(), sent, failed); err != nil {
		return nil, fmt.Errorf("failed to store counters: %w", err)
	}
	s.appendHistory(ctx, id, model.ActionReconciled, actor, map[string]any{
		"total": counts.Total(), "sent": sent, "failed": failed,
	})
	return counts, nil
}

// History returns the campaign's audit trail, oldest first.
func (s *CampaignService) History(ctx context.Context, id int) ([]*model.CampaignHistoryEntry, error) {
	if _, err := s.CampaignRepo.GetStatus(ctx, id); err != nil {
		return nil, err
	}
	return s.CampaignRepo.ListHistory(ctx, id)
}

// RecoverSending re-dispatches every campaign left in sending, typically by a
// process that stopped mid-run. Processors already holding one of them keep
// it; the new dispatch waits for or skips it through the lease.
func (s *CampaignService) RecoverSending(ctx context.Context) ([]int, error) {
	const pageSize = 100
	var stuck []*model.Campaign
	for offset := 0; ; offset += pageSize {
		page, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, "", string(model.StatusSending))
		if err != nil {
			return nil, err
		}
		stuck = append(stuck, page...)
		if len(page) == 0 || offset+pageSize >= total {
			break
		}
	}

	var (
		ids  []int
		errs []error
	)
	for _, c := range stuck {
		if _, err := s.dispatch(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("campaign %d: %w", c.ID, err))
			continue
		}
		ids = append(ids, c.ID)
	}
	if len(ids) > 0 {
		s.log.Info().Ints("campaign_ids", ids).Msg("re-dispatched campaigns left sending")
	}
	return ids, errors.Join(errs...)
}

// RunInBackground makes queue-less dispatch return at once and drain the
// campaign on its own goroutine under ctx. Wait blocks until those runs end.
func (s *CampaignService) RunInBackground(ctx context.Context) {
	s.bg = ctx
}

// Wait blocks until every background run has returned.
func (s *CampaignService) Wait() {
	s.runs.Wait()
}

func (s *CampaignService) dispatch(ctx context.Context, c *model.Campaign) (*DispatchResult, error) {
	if s.Queue != nil {
		if err := s.Queue.Publish(queue.TopicCampaignChunks, queue.ChunkJob{CampaignID: c.ID}); err != nil {
			return &DispatchResult{Campaign: c}, fmt.Errorf("failed to enqueue campaign %d: %w", c.ID, err)
		}
		return &DispatchResult{Campaign: c, Queued: true}, nil
	}

	if s.bg != nil {
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			s.runDetached(c.ID)
		}()
		return &DispatchResult{Campaign: c, Background: true}, nil
	}

	run, err := s.Processor.Run(ctx, c.ID)
	if err != nil {
		return &DispatchResult{Campaign: c, Run: run}, err
	}
	if fresh, err := s.CampaignRepo.GetByID(ctx, c.ID); err == nil {
		c = fresh
	}
	return &DispatchResult{Campaign: c, Run: run}, nil
}

// runDetached drains a campaign under the background context, waiting while
// another processor still holds it.
func (s *CampaignService) runDetached(id int) {
	log := s.log.WithCampaign(id)
	for attempt := 1; ; attempt++ {
		run, err := s.Processor.Run(s.bg, id)
		switch {
		case err == nil:
			log.Info().Int("sent", run.Sent).Int("failed", run.Failed).Bool("completed", run.Completed).Msg("background run finished")
			return
		case errors.Is(err, lease.ErrLeaseHeld) && attempt < s.LeaseAttempts:
			if sleepCtx(s.bg, s.LeaseWait) != nil {
				return
			}
		case s.bg.Err() != nil:
			log.Info().Msg("background run interrupted by shutdown")
			return
		default:
			log.Error().Err(err).Msg("background run failed")
			return
		}
	}
}

// appendHistory writes a non-transition audit entry. A failure is logged and
// does not undo the operation it describes.
func (s *CampaignService) appendHistory(ctx context.Context, id int, action, actor string, meta map[string]any) {
	err := s.CampaignRepo.AppendHistory(ctx, &model.CampaignHistoryEntry{
		CampaignID: id,
		Action:     action,
		Actor:      actor,
		Metadata:   meta,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn().Err(err).Int("campaign_id", id).Str("action", action).Msg("failed to append history")
	}
}

func withReason(reason string) func(c *model.Campaign, meta map[string]any) error {
	return func(c *model.Campaign, meta map[string]any) error {
		if reason != "" {
			meta["reason"] = reason
		}
		return nil
	}
}
