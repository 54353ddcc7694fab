// Package app wires the campaign engine's collaborators from config. Both the
// admin server and the standalone worker start from here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/campaign-engine/internal/config"
	"github.com/unclebandit/campaign-engine/internal/controller"
	"github.com/unclebandit/campaign-engine/internal/db"
	"github.com/unclebandit/campaign-engine/internal/handler"
	"github.com/unclebandit/campaign-engine/internal/lease"
	"github.com/unclebandit/campaign-engine/internal/logger"
	"github.com/unclebandit/campaign-engine/internal/queue"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/service"
	"github.com/unclebandit/campaign-engine/internal/transport"
)

// App holds the wired engine.
type App struct {
	Config *config.Config
	Log    *logger.Logger
	DB     *sql.DB
	Redis  *redis.Client
	Queue  queue.Queue

	Unsubscribes *repository.UnsubscribeRepository
	Usage        *repository.UsageRepository

	Processor *service.Processor
	Campaigns *service.CampaignService
	Worker    *service.Worker

	closers []func() error
}

// New connects to the backing stores and builds every service.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)
	log.Info().Msg("connected to PostgreSQL")

	var locker lease.Locker = lease.NewMemoryLocker()
	if cfg.Redis.Enabled {
		rdb, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
		locker = lease.NewRedisLocker(rdb)
		log.Info().Msg("connected to Redis")
	}

	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}

	campaignRepo := &repository.CampaignRepository{DB: conn}
	recipientRepo := &repository.RecipientRepository{DB: conn}
	variantRepo := &repository.VariantRepository{DB: conn}
	audienceRepo := &repository.AudienceRepository{DB: conn}
	a.Unsubscribes = &repository.UnsubscribeRepository{DB: conn}
	a.Usage = &repository.UsageRepository{DB: conn}
	sendLogRepo := &repository.SendLogRepository{DB: conn}

	e := cfg.Engine
	lifecycle := service.NewLifecycle(campaignRepo, recipientRepo, log)
	builder := service.NewRecipientBuilder(audienceRepo, recipientRepo, e.MaxRecipients, log)
	ab := service.NewABTestService(campaignRepo, variantRepo, recipientRepo, e.ABMinSample, log)

	p := cfg.Provider
	sender := transport.NewHTTPSender(p.Endpoint, p.APIKey, p.SenderAddress, p.SenderName, p.Timeout)

	a.Processor = service.NewProcessor(service.ProcessorDeps{
		Campaigns:    campaignRepo,
		Recipients:   recipientRepo,
		Variants:     variantRepo,
		Lifecycle:    lifecycle,
		Sender:       sender,
		Unsubscribes: service.NewUnsubscribeChecker(a.Unsubscribes, log),
		SendLog:      sendLogRepo,
		Usage:        a.Usage,
		Locker:       locker,
	}, service.ProcessorConfig{
		BatchSize:        e.BatchSize,
		ChunkSize:        e.ChunkSize,
		RetryBaseDelay:   e.RetryBaseDelay,
		RetryMaxAttempts: e.RetryMaxAttempts,
		LeaseTTL:         e.LeaseTTL,
		PlanMonthlyCap:   p.PlanMonthlyCap,
	}, log)

	a.Campaigns = service.NewCampaignService(
		campaignRepo, recipientRepo, variantRepo,
		lifecycle, builder, ab, a.Processor, a.Queue, log,
	)
	a.Worker = service.NewWorker(a.Processor, a.Campaigns, e.DispatchInterval, log)
	return a, nil
}

// openQueue picks where start and resume hand campaigns off: nowhere in
// inline mode, otherwise the broker or an in-process queue.
func (a *App) openQueue() error {
	switch {
	case a.Config.Engine.DispatchMode == config.DispatchInline:
		a.Queue = nil
		a.Log.Info().Msg("campaigns run inline on server goroutines")
	case a.Config.AMQP.Enabled:
		q, err := queue.DialAMQP(a.Config.AMQP.URL, a.Log)
		if err != nil {
			return err
		}
		a.Queue = q
		a.closers = append(a.closers, q.Close)
		a.Log.Info().Msg("connected to RabbitMQ")
	default:
		a.Queue = queue.NewInMemoryQueue(a.Log)
	}
	return nil
}

// InProcess reports whether chunk jobs stay inside this process.
func (a *App) InProcess() bool {
	_, ok := a.Queue.(*queue.InMemoryQueue)
	return ok
}

// Inline reports whether campaigns run without any chunk queue.
func (a *App) Inline() bool {
	return a.Queue == nil
}

// StartLocal makes this process drain campaigns itself: it consumes the
// in-process queue or enables background runs, starts the schedule ticker and
// re-dispatches campaigns a previous process left sending. It is a no-op when
// chunk jobs go to a broker.
func (a *App) StartLocal(ctx context.Context) error {
	switch {
	case a.InProcess():
		if err := a.Consume(ctx); err != nil {
			return fmt.Errorf("failed to subscribe chunk worker: %w", err)
		}
	case a.Inline():
		a.Campaigns.RunInBackground(ctx)
	default:
		return nil
	}
	go a.Worker.Start(ctx)

	if _, err := a.Campaigns.RecoverSending(ctx); err != nil {
		a.Log.Error().Err(err).Msg("failed to re-dispatch campaigns left sending")
	}
	return nil
}

// Drain waits for in-process chunk jobs and background runs to return, or
// for ctx to end.
func (a *App) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if q, ok := a.Queue.(*queue.InMemoryQueue); ok {
			q.Wait()
		}
		if a.Campaigns != nil {
			a.Campaigns.Wait()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("campaign work still running: %w", ctx.Err())
	}
}

// Consume subscribes the worker to chunk jobs on the app's queue. Jobs run
// under ctx.
func (a *App) Consume(ctx context.Context) error {
	return queue.StartChunkSubscriber(a.Queue, func(campaignID int) (bool, error) {
		return a.Worker.HandleChunk(ctx, campaignID)
	}, a.Log)
}

// Router builds the admin HTTP surface.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(handler.RequestLogger(a.Log.WithComponent("http")))

	ctrl := &controller.CampaignController{
		CampaignService: a.Campaigns,
		Unsubscribes:    a.Unsubscribes,
		Usage:           a.Usage,
		Log:             a.Log.WithComponent("admin"),
	}
	ctrl.Register(r)
	handler.NewCampaignHandler(a.Campaigns, a.Processor, a.DB, a.Log).Register(r)
	return r
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close: %w", err)
		}
	}
	a.closers = nil
	return firstErr
}
