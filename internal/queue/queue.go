package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/unclebandit/campaign-engine/internal/logger"
)

// TopicCampaignChunks carries one job per chunk a campaign still has to drain.
const TopicCampaignChunks = "campaign_chunks"

// ChunkJob asks a worker to process the next chunk of a campaign.
type ChunkJob struct {
	CampaignID int `json:"campaign_id"`
}

// Handler processes one job. A returned error triggers a retry.
type Handler func(job ChunkJob) error

// Queue interface
type Queue interface {
	Publish(topic string, job ChunkJob) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue is an in-process queue with retry, used when the engine runs
// as a single binary.
type InMemoryQueue struct {
	mu         sync.Mutex
	handlers   map[string][]Handler
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
	wg         sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log *logger.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
		log:        log.WithComponent("queue"),
	}
}

type jobEnvelope struct {
	Job        ChunkJob
	RetryCount int
	MaxRetries int
}

// Publish hands the job to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, job ChunkJob) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	env := jobEnvelope{Job: job, MaxRetries: q.maxRetries}
	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(handler, env)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, env jobEnvelope) {
	defer q.wg.Done()
	for env.RetryCount <= env.MaxRetries {
		err := handler(env.Job)
		if err == nil {
			return
		}

		env.RetryCount++
		q.log.Warn().Err(err).
			Int("campaign_id", env.Job.CampaignID).
			Int("attempt", env.RetryCount).
			Msg("job failed")

		if env.RetryCount > env.MaxRetries {
			q.log.Error().Int("campaign_id", env.Job.CampaignID).Msg("job permanently failed")
			return
		}

		time.Sleep(time.Duration(env.RetryCount) * q.backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job has finished, including jobs
// published by handlers.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// ChunkProcessor drains one chunk and reports whether the campaign is done.
type ChunkProcessor func(campaignID int) (completed bool, err error)

// StartChunkSubscriber wires process to the chunk topic. Each job processes a
// single chunk and re-publishes itself until the campaign reports completed.
func StartChunkSubscriber(q Queue, process ChunkProcessor, log *logger.Logger) error {
	return q.Subscribe(TopicCampaignChunks, func(job ChunkJob) error {
		completed, err := process(job.CampaignID)
		if err != nil {
			return err
		}
		if completed {
			log.Info().Int("campaign_id", job.CampaignID).Msg("campaign drained")
			return nil
		}
		return q.Publish(TopicCampaignChunks, job)
	})
}

var _ Queue = (*InMemoryQueue)(nil)
