package service

import (
	"context"
	"errors"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
)

// ChunkRunner processes one bounded chunk of a campaign.
type ChunkRunner interface {
	ProcessChunk(ctx context.Context, campaignID int) (*ChunkResult, error)
}

// DueDispatcher starts scheduled campaigns whose time has come.
type DueDispatcher interface {
	DispatchDue(ctx context.Context, now time.Time) ([]int, error)
}

// Worker consumes chunk jobs and periodically starts due campaigns.
type Worker struct {
	Runner     ChunkRunner
	Dispatcher DueDispatcher
	Interval   time.Duration

	// LeaseWait and LeaseAttempts bound how long a job waits for a campaign
	// another invocation holds before handing it back to the queue.
	LeaseWait     time.Duration
	LeaseAttempts int

	log   *logger.Logger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Constructor
func NewWorker(runner ChunkRunner, dispatcher DueDispatcher, interval time.Duration, log *logger.Logger) *Worker {
	return &Worker{
		Runner:        runner,
		Dispatcher:    dispatcher,
		Interval:      interval,
		LeaseWait:     2 * time.Second,
		LeaseAttempts: 30,
		log:           log.WithComponent("worker"),
		now:           func() time.Time { return time.Now().UTC() },
		sleep:         sleepCtx,
	}
}

// HandleChunk runs one chunk and reports whether the job is finished. A job
// is finished when the campaign completed, left sending, failed fatally, or
// ctx ended (a restart re-dispatches campaigns still sending). While another
// invocation holds the campaign the job waits for it; if the lease is still
// held after LeaseAttempts the error goes back to the queue for a retry.
func (w *Worker) HandleChunk(ctx context.Context, campaignID int) (bool, error) {
	res, err := w.runChunk(ctx, campaignID)
	if err != nil {
		var fatal *appErrors.FatalEngineError
		switch {
		case ctx.Err() != nil:
			w.log.Info().Int("campaign_id", campaignID).Msg("chunk interrupted by shutdown")
			return true, nil
		case appErrors.IsNotFound(err):
			w.log.Warn().Int("campaign_id", campaignID).Msg("dropping chunk job for unknown campaign")
			return true, nil
		case errors.As(err, &fatal):
			w.log.Error().Err(err).Int("campaign_id", campaignID).Msg("campaign failed")
			return true, nil
		}
		return false, err
	}

	w.log.Debug().
		Int("campaign_id", campaignID).
		Int("processed", res.Processed).
		Int("remaining", res.Remaining).
		Bool("completed", res.Completed).
		Msg("chunk processed")
	return res.Completed || res.Stopped, nil
}

// runChunk retries ProcessChunk while the campaign's lease is held elsewhere.
func (w *Worker) runChunk(ctx context.Context, campaignID int) (*ChunkResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := w.Runner.ProcessChunk(ctx, campaignID)
		if !errors.Is(err, lease.ErrLeaseHeld) && !errors.Is(err, lease.ErrLeaseLost) {
			return res, err
		}
		if attempt >= w.LeaseAttempts {
			return nil, err
		}
		w.log.Debug().Int("campaign_id", campaignID).Int("attempt", attempt).Msg("campaign held by another invocation, waiting")
		if serr := w.sleep(ctx, w.LeaseWait); serr != nil {
			return nil, serr
		}
	}
}

// Start begins dispatching due campaigns every Interval until ctx ends.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	started, err := w.Dispatcher.DispatchDue(ctx, w.now())
	if err != nil {
		w.log.Error().Err(err).Msg("dispatching due campaigns")
	}
	if len(started) > 0 {
		w.log.Info().Ints("campaign_ids", started).Msg("scheduled campaigns started")
	}
}
