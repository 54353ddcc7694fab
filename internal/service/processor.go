package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/transport"
)

// ProcessorConfig tunes batching and retry.
type ProcessorConfig struct {
	BatchSize        int
	ChunkSize        int
	RetryBaseDelay   time.Duration
	RetryMaxAttempts int
	LeaseTTL         time.Duration
	PlanMonthlyCap   int
}

// DefaultProcessorConfig mirrors the engine defaults in config.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:        500,
		ChunkSize:        50,
		RetryBaseDelay:   time.Second,
		RetryMaxAttempts: 3,
		LeaseTTL:         10 * time.Minute,
	}
}

// RunResult summarises a run-to-completion invocation.
type RunResult struct {
	CampaignID int  `json:"campaign_id"`
	Batches    int  `json:"batches"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	Stopped    bool `json:"stopped"`
	Completed  bool `json:"completed"`
}

// ChunkResult summarises a single chunked invocation.
type ChunkResult struct {
	CampaignID int  `json:"campaign_id"`
	Processed  int  `json:"processed"`
	Sent       int  `json:"sent"`
	Failed     int  `json:"failed"`
	Skipped    int  `json:"skipped"`
	Remaining  int  `json:"remaining"`
	Completed  bool `json:"completed"`
	Stopped    bool `json:"stopped"`
}

type batchTally struct {
	sent, failed, skipped int
}

func (t *batchTally) add(o batchTally) {
	t.sent += o.sent
	t.failed += o.failed
	t.skipped += o.skipped
}

// Processor drains a campaign's pending recipients through the transport.
// Recipients of one campaign are sent strictly one after another; pause and
// cancel are only observed between batches.
type Processor struct {
	campaigns    repository.CampaignRepositoryInterface
	recipients   repository.RecipientRepositoryInterface
	variants     repository.VariantRepositoryInterface
	lifecycle    *Lifecycle
	sender       transport.Sender
	unsubscribes UnsubscribeChecker
	sendLog      SendLogger
	usage        UsageTracker
	locker       lease.Locker
	cfg          ProcessorConfig
	log          *logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// ProcessorDeps groups the Processor's collaborators. SendLog, Usage and Locker
// are optional.
type ProcessorDeps struct {
	Campaigns    repository.CampaignRepositoryInterface
	Recipients   repository.RecipientRepositoryInterface
	Variants     repository.VariantRepositoryInterface
	Lifecycle    *Lifecycle
	Sender       transport.Sender
	Unsubscribes UnsubscribeChecker
	SendLog      SendLogger
	Usage        UsageTracker
	Locker       lease.Locker
}

func NewProcessor(deps ProcessorDeps, cfg ProcessorConfig, log *logger.Logger) *Processor {
	p := &Processor{
		campaigns:    deps.Campaigns,
		recipients:   deps.Recipients,
		variants:     deps.Variants,
		lifecycle:    deps.Lifecycle,
		sender:       deps.Sender,
		unsubscribes: deps.Unsubscribes,
		sendLog:      deps.SendLog,
		usage:        deps.Usage,
		locker:       deps.Locker,
		cfg:          cfg,
		log:          log.WithComponent("processor"),
		sleep:        sleepCtx,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if p.sendLog == nil {
		p.sendLog = nopSendLogger{}
	}
	if p.usage == nil {
		p.usage = nopUsage{}
	}
	if p.locker == nil {
		p.locker = lease.NewMemoryLocker()
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run drains the campaign batch by batch until nothing is pending, then
// completes it. If the campaign leaves sending between batches the run stops
// with Stopped set and the rest stays pending.
func (p *Processor) Run(ctx context.Context, campaignID int) (*RunResult, error) {
	held, err := p.acquire(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer p.release(held.Lease)

	c, variants, err := p.load(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	log := p.log.WithCampaign(campaignID)
	res := &RunResult{CampaignID: campaignID}

	for {
		batch, err := p.recipients.FetchPending(ctx, campaignID, p.cfg.BatchSize)
		if err != nil {
			return res, p.fatal(ctx, campaignID, fmt.Errorf("fetch pending batch: %w", err))
		}
		if len(batch) == 0 {
			if _, err := p.lifecycle.Complete(ctx, campaignID); err != nil {
				if appErrors.IsValidation(err) {
					// Paused or cancelled after the last checkpoint.
					res.Stopped = true
					return res, nil
				}
				return res, p.fatal(ctx, campaignID, fmt.Errorf("complete campaign: %w", err))
			}
			res.Completed = true
			log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Int("skipped", res.Skipped).Msg("campaign completed")
			return res, nil
		}

		tally, err := p.processBatch(ctx, held, c, variants, batch)
		res.Sent += tally.sent
		res.Failed += tally.failed
		res.Skipped += tally.skipped
		if err != nil {
			if cause := interrupted(ctx, err); cause != nil {
				res.Stopped = true
				p.checkpointInterrupted(ctx, campaignID, len(batch), tally)
				return res, cause
			}
			return res, p.fatal(ctx, campaignID, err)
		}
		res.Batches++

		if err := p.checkpoint(ctx, campaignID, res.Batches, len(batch), tally); err != nil {
			return res, p.fatal(ctx, campaignID, err)
		}

		status, err := p.campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return res, p.fatal(ctx, campaignID, fmt.Errorf("re-read status: %w", err))
		}
		if status != model.StatusSending {
			res.Stopped = true
			log.Info().Str("status", string(status)).Int("batches", res.Batches).Msg("campaign stopped at batch boundary")
			return res, nil
		}
		if ctx.Err() != nil {
			res.Stopped = true
			return res, ctx.Err()
		}
		if err := p.renew(ctx, held); err != nil {
			res.Stopped = true
			log.Warn().Err(err).Int("batches", res.Batches).Msg("lease lost, leaving the rest to its new owner")
			return res, err
		}
	}
}

// ProcessChunk handles exactly one bounded chunk. The caller re-invokes it
// until Completed is true, or stops when Stopped is set.
func (p *Processor) ProcessChunk(ctx context.Context, campaignID int) (*ChunkResult, error) {
	held, err := p.acquire(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	defer p.release(held.Lease)

	res := &ChunkResult{CampaignID: campaignID}
	c, variants, err := p.load(ctx, campaignID)
	if err != nil {
		if appErrors.IsValidation(err) {
			res.Stopped = true
			return res, nil
		}
		return nil, err
	}

	batch, err := p.recipients.FetchPending(ctx, campaignID, p.cfg.ChunkSize)
	if err != nil {
		return res, p.fatal(ctx, campaignID, fmt.Errorf("fetch pending chunk: %w", err))
	}

	if len(batch) > 0 {
		tally, err := p.processBatch(ctx, held, c, variants, batch)
		res.Processed = tally.sent + tally.failed + tally.skipped
		res.Sent, res.Failed, res.Skipped = tally.sent, tally.failed, tally.skipped
		if err != nil {
			if cause := interrupted(ctx, err); cause != nil {
				res.Stopped = true
				p.checkpointInterrupted(ctx, campaignID, len(batch), tally)
				return res, cause
			}
			return res, p.fatal(ctx, campaignID, err)
		}
		if err := p.checkpoint(ctx, campaignID, 0, len(batch), tally); err != nil {
			return res, p.fatal(ctx, campaignID, err)
		}
	}

	counts, err := p.recipients.StatusCounts(ctx, campaignID)
	if err != nil {
		return res, p.fatal(ctx, campaignID, fmt.Errorf("count recipients: %w", err))
	}
	res.Remaining = counts[model.RecipientPending]
	if res.Remaining > 0 {
		return res, nil
	}

	status, err := p.campaigns.GetStatus(ctx, campaignID)
	if err != nil {
		return res, p.fatal(ctx, campaignID, fmt.Errorf("re-read status: %w", err))
	}
	if status != model.StatusSending {
		res.Stopped = true
		return res, nil
	}
	if _, err := p.lifecycle.Complete(ctx, campaignID); err != nil {
		if appErrors.IsValidation(err) {
			res.Stopped = true
			return res, nil
		}
		return res, p.fatal(ctx, campaignID, fmt.Errorf("complete campaign: %w", err))
	}
	res.Completed = true
	return res, nil
}

// heldLease is a lease plus the time it was last pushed out.
type heldLease struct {
	*lease.Lease
	renewed time.Time
}

func (p *Processor) acquire(ctx context.Context, campaignID int) (*heldLease, error) {
	l, err := p.locker.Acquire(ctx, campaignID, p.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	return &heldLease{Lease: l, renewed: p.now()}, nil
}

// renew pushes the lease out by a full TTL. Only lease.ErrLeaseLost is
// returned; any other failure is logged and the current TTL stands.
func (p *Processor) renew(ctx context.Context, h *heldLease) error {
	if err := p.locker.Extend(ctx, h.Lease, p.cfg.LeaseTTL); err != nil {
		if errors.Is(err, lease.ErrLeaseLost) {
			return err
		}
		p.log.Warn().Err(err).Int("campaign_id", h.CampaignID).Msg("failed to extend lease")
		return nil
	}
	h.renewed = p.now()
	return nil
}

// renewDue renews once a third of the TTL has gone by since the last renewal.
func (p *Processor) renewDue(ctx context.Context, h *heldLease) error {
	if p.now().Sub(h.renewed) < p.cfg.LeaseTTL/3 {
		return nil
	}
	return p.renew(ctx, h)
}

// interrupted returns the cause when a batch stopped because ctx ended or the
// lease was lost, and nil for errors that should fail the campaign.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, lease.ErrLeaseLost) {
		return err
	}
	return nil
}

func (p *Processor) release(l *lease.Lease) {
	if err := p.locker.Release(context.Background(), l); err != nil {
		p.log.Warn().Err(err).Int("campaign_id", l.CampaignID).Msg("failed to release lease")
	}
}

// load fetches the campaign and its variants and checks the precondition.
func (p *Processor) load(ctx context.Context, campaignID int) (*model.Campaign, map[int]*model.Variant, error) {
	c, err := p.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	if c.Status != model.StatusSending {
		return nil, nil, appErrors.NewValidation("status", "campaign %d is %s, not sending", campaignID, c.Status)
	}
	list, err := p.variants.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load variants: %w", err)
	}
	variants := make(map[int]*model.Variant, len(list))
	for _, v := range list {
		variants[v.ID] = v
	}
	return c, variants, nil
}

// checkpoint folds one batch into the campaign counters, usage and audit trail.
func (p *Processor) checkpoint(ctx context.Context, campaignID, batchNo, size int, t batchTally) error {
	if err := p.campaigns.IncrementCounters(ctx, campaignID, t.sent, t.failed); err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}

	if t.sent > 0 {
		month := model.UsageMonth(p.now())
		total, err := p.usage.Increment(ctx, month, t.sent)
		switch {
		case err != nil:
			p.log.Warn().Err(err).Str("month", month).Msg("failed to record usage")
		case p.cfg.PlanMonthlyCap > 0 && total > p.cfg.PlanMonthlyCap:
			p.log.Warn().Str("month", month).Int("sent", total).Int("cap", p.cfg.PlanMonthlyCap).Msg("monthly plan cap exceeded")
		}
	}

	meta := map[string]any{"size": size, "sent": t.sent, "failed": t.failed, "skipped": t.skipped}
	if batchNo > 0 {
		meta["batch"] = batchNo
	}
	err := p.campaigns.AppendHistory(ctx, &model.CampaignHistoryEntry{
		CampaignID: campaignID,
		Action:     model.ActionBatchDone,
		Actor:      actorProcessor,
		Metadata:   meta,
		CreatedAt:  p.now(),
	})
	if err != nil {
		return fmt.Errorf("append batch history: %w", err)
	}
	return nil
}

// checkpointInterrupted records the part of a batch that finished before ctx
// ended.
func (p *Processor) checkpointInterrupted(ctx context.Context, campaignID, size int, t batchTally) {
	if err := p.checkpoint(context.WithoutCancel(ctx), campaignID, 0, size, t); err != nil {
		p.log.Warn().Err(err).Int("campaign_id", campaignID).Msg("failed to checkpoint interrupted batch")
	}
}

// fatal fails the campaign and wraps err for the caller.
func (p *Processor) fatal(ctx context.Context, campaignID int, err error) error {
	p.log.Error().Err(err).Int("campaign_id", campaignID).Msg("campaign processing aborted")
	_ = p.lifecycle.Fail(ctx, campaignID, err)
	return &appErrors.FatalEngineError{CampaignID: campaignID, Err: err}
}

// processBatch sends every recipient in order, renewing the lease as it goes.
// Individual send failures are recorded and never abort the batch; a returned
// error is fatal unless interrupted says otherwise.
func (p *Processor) processBatch(ctx context.Context, held *heldLease, c *model.Campaign, variants map[int]*model.Variant, batch []*model.Recipient) (batchTally, error) {
	var t batchTally
	for _, r := range batch {
		one, err := p.processRecipient(ctx, c, variants, r)
		t.add(one)
		if err != nil {
			return t, err
		}
		if err := p.renewDue(ctx, held); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (p *Processor) processRecipient(ctx context.Context, c *model.Campaign, variants map[int]*model.Variant, r *model.Recipient) (batchTally, error) {
	if p.unsubscribes.IsUnsubscribed(ctx, r.Email) {
		if err := p.recipients.MarkSkipped(ctx, r.ID, "unsubscribed"); err != nil {
			return batchTally{}, fmt.Errorf("mark recipient %d skipped: %w", r.ID, err)
		}
		return batchTally{skipped: 1}, nil
	}

	var variant *model.Variant
	if r.VariantID != nil {
		variant = variants[*r.VariantID]
	}
	content := ResolveContent(c, variant, r)

	tags := []string{fmt.Sprintf("campaign-%d", c.ID), string(c.Kind)}
	if variant != nil {
		tags = append(tags, "variant-"+variant.Label)
	}
	msg := transport.Message{
		To:          r.Email,
		ToName:      r.Name,
		Subject:     content.Subject,
		TemplateRef: content.TemplateRef,
		Params:      content.Params,
		Tags:        tags,
	}

	res, err := p.sendWithRetry(ctx, msg)
	if err != nil {
		// Interrupted mid-send; the recipient stays pending.
		return batchTally{}, err
	}

	if !res.Success {
		if err := p.recipients.MarkFailed(ctx, r.ID, res.Error); err != nil {
			return batchTally{}, fmt.Errorf("mark recipient %d failed: %w", r.ID, err)
		}
		p.log.Debug().Int("campaign_id", c.ID).Int("recipient_id", r.ID).Str("error", res.Error).Msg("send failed")
		return batchTally{failed: 1}, nil
	}

	if err := p.recipients.MarkSent(ctx, r.ID, res.MessageID); err != nil {
		return batchTally{}, fmt.Errorf("mark recipient %d sent: %w", r.ID, err)
	}
	if variant != nil {
		if err := p.variants.IncrementSent(ctx, variant.ID); err != nil {
			p.log.Warn().Err(err).Int("variant_id", variant.ID).Msg("failed to bump variant counter")
		}
	}
	p.logSend(ctx, &model.SendLogEntry{
		CampaignID:        c.ID,
		RecipientID:       r.ID,
		VariantID:         r.VariantID,
		Email:             r.Email,
		Subject:           content.Subject,
		ProviderMessageID: res.MessageID,
		SentAt:            p.now(),
	})
	return batchTally{sent: 1}, nil
}

// sendWithRetry retries rate-limited sends with doubling delay. Other failures
// return after one attempt. The error is only set when ctx ends.
func (p *Processor) sendWithRetry(ctx context.Context, msg transport.Message) (transport.Result, error) {
	delay := p.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		res, err := p.sender.Send(ctx, msg)
		if err != nil {
			res = transport.Result{Error: err.Error()}
		}
		if res.Success {
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if res.Error == "" {
			res.Error = "provider reported failure without detail"
		}

		if !appErrors.IsTransient(appErrors.ClassifySendError(res.Error)) || attempt >= p.cfg.RetryMaxAttempts {
			return res, nil
		}

		p.log.Debug().Str("to", msg.To).Int("attempt", attempt).Dur("delay", delay).Msg("rate limited, backing off")
		if err := p.sleep(ctx, delay); err != nil {
			return res, err
		}
		delay *= 2
	}
}

// logSend writes the send log. Any failure, including a panic, is dropped.
func (p *Processor) logSend(ctx context.Context, e *model.SendLogEntry) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Warn().Interface("panic", r).Msg("send log panicked")
		}
	}()
	if err := p.sendLog.Insert(ctx, e); err != nil {
		p.log.Debug().Err(err).Int("recipient_id", e.RecipientID).Msg("send log write failed")
	}
}
