package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/metrics"
	"github.com/infrahaus/provisioner/pkg/queue"
	"github.com/infrahaus/provisioner/pkg/types"
)

const dequeueTimeout = 5 * time.Second

// Pool runs a bounded number of concurrent pipeline executions, pulling
// jobs off the durable queue until Stop is called.
type Pool struct {
	q        *queue.Queue
	pipeline *Pipeline
	cancels  *Registry
	workers  int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool builds a worker pool of the given size. workers defaults to 2
// if non-positive.
func NewPool(q *queue.Queue, pipeline *Pipeline, cancels *Registry, workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		q:        q,
		pipeline: pipeline,
		cancels:  cancels,
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately; call
// Stop to request a graceful shutdown and Wait to block until all
// in-flight jobs have finished.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
}

// Stop signals all workers to exit after their current job.
func (p *Pool) Stop() {
	close(p.stopCh)
}

// Wait blocks until every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := log.WithComponent("worker").With().Int("worker_id", id).Logger()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if depth, err := p.q.Depth(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}

		job, err := p.q.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if job == nil {
			continue
		}

		p.runJob(ctx, job, logger)
	}
}

func (p *Pool) runJob(ctx context.Context, job *types.ContainerCreationJob, logger zerolog.Logger) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	token := NewCancelToken()
	p.cancels.Register(job.ContainerID, token)
	defer p.cancels.Unregister(job.ContainerID)

	timer := metrics.NewTimer()
	err := p.pipeline.Run(ctx, job, token)
	timer.ObserveDuration(metrics.PhaseDuration.WithLabelValues("total"))

	outcome := "success"
	if err != nil {
		outcome = "failure"
		logger.Error().Err(err).Str("container_id", job.ContainerID).Msg("job failed")
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()

	if ackErr := p.q.Ack(ctx, job); ackErr != nil {
		logger.Error().Err(ackErr).Str("container_id", job.ContainerID).Msg("failed to ack job")
	}
}
