// Package orchestrator implements the host-side 5-phase provisioning
// pipeline: create, start, deploy, sync, finalize, driven by a bounded
// worker pool consuming jobs off a durable queue.
package orchestrator

import (
	"context"
	"time"

	"github.com/infrahaus/provisioner/pkg/events"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/queue"
	"github.com/infrahaus/provisioner/pkg/storage"
	"github.com/infrahaus/provisioner/pkg/types"
)

// ProgressSink publishes progress events to every interested surface:
// the in-process broker always, the durable event log for step/complete/
// error, and the Redis mirror when configured. Lifecycle transitions
// must already be persisted before calling this, so durable state never
// lags an emitted event.
type ProgressSink struct {
	store  storage.Store
	broker *events.Broker
	mirror *queue.Queue // nil when no Redis mirror is configured
}

// NewProgressSink builds a ProgressSink. mirror may be nil.
func NewProgressSink(store storage.Store, broker *events.Broker, mirror *queue.Queue) *ProgressSink {
	return &ProgressSink{store: store, broker: broker, mirror: mirror}
}

func (s *ProgressSink) emit(ctx context.Context, event *types.ProgressEvent) {
	event.Timestamp = time.Now()

	if event.Type == types.ProgressStep || event.Type == types.ProgressComplete || event.Type == types.ProgressError {
		if err := s.store.AppendEvent(event); err != nil {
			log.WithContainerID(event.ContainerID).Error().Err(err).Msg("failed to persist progress event")
		}
	}

	s.broker.Publish(event)

	if s.mirror != nil {
		if err := s.mirror.PublishProgress(ctx, event); err != nil {
			log.WithContainerID(event.ContainerID).Warn().Err(err).Msg("failed to mirror progress event to redis")
		}
	}
}

// Step publishes a step event with the given percent, which must be
// monotonically non-decreasing for the container across the job.
func (s *ProgressSink) Step(ctx context.Context, containerID, step string, percent int, message string) {
	p := percent
	s.emit(ctx, &types.ProgressEvent{ContainerID: containerID, Type: types.ProgressStep, Step: step, Percent: &p, Message: message})
}

// Log publishes a transient log line. Log events are not persisted and
// may be dropped by a slow subscriber.
func (s *ProgressSink) Log(ctx context.Context, containerID, message string) {
	s.emit(ctx, &types.ProgressEvent{ContainerID: containerID, Type: types.ProgressLog, Message: message})
}

// Complete publishes the terminal success event at percent=100.
func (s *ProgressSink) Complete(ctx context.Context, containerID, message string) {
	p := 100
	s.emit(ctx, &types.ProgressEvent{ContainerID: containerID, Type: types.ProgressComplete, Percent: &p, Message: message})
}

// Error publishes the terminal failure event with a user-safe message.
func (s *ProgressSink) Error(ctx context.Context, containerID, message string) {
	s.emit(ctx, &types.ProgressEvent{ContainerID: containerID, Type: types.ProgressError, Message: message})
}
