// Package watchdog periodically re-checks discovered services on ready
// containers and refreshes their status. It never replaces or restarts
// anything — it only keeps ContainerService.status fresh for the UI, per
// spec.md's Non-goals excluding automatic reconciliation.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/storage"
	"github.com/infrahaus/provisioner/pkg/types"
)

// ShellDialer opens a remote shell channel into a single container. The
// returned channel's Close must be called by the prober when done.
type ShellDialer func(ctx context.Context, container *types.Container) (execLines func(ctx context.Context, command []string) (exitCode int, err error), closeFn func() error, err error)

// Watchdog periodically probes every ready container's discovered
// services and refreshes their status in the store.
type Watchdog struct {
	store    storage.Store
	dial     ShellDialer
	interval time.Duration
	stopCh   chan struct{}
}

// New builds a Watchdog. interval defaults to 60s if zero.
func New(store storage.Store, dial ShellDialer, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Watchdog{store: store, dial: dial, interval: interval, stopCh: make(chan struct{})}
}

// Start begins probing on a ticker, matching the teacher's
// periodic-reconciliation loop shape but without any mutation of
// DesiredState.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.probeAll(ctx)
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (w *Watchdog) Stop() {
	close(w.stopCh)
}

func (w *Watchdog) probeAll(ctx context.Context) {
	logger := log.WithComponent("watchdog")

	containers, err := w.store.ListContainers()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list containers for probing")
		return
	}

	for _, c := range containers {
		if c.Lifecycle != types.LifecycleReady {
			continue
		}
		w.probeContainer(ctx, c)
	}
}

func (w *Watchdog) probeContainer(ctx context.Context, container *types.Container) {
	logger := log.WithContainerID(container.ID)

	services, err := w.store.ListContainerServices(container.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list services for probing")
		return
	}
	if len(services) == 0 {
		return
	}

	execLinesFn, closeFn, err := w.dial(ctx, container)
	if err != nil {
		w.markAllDown(services, logger)
		return
	}
	defer closeFn()

	for _, svc := range services {
		if svc.Type != "systemd" {
			continue
		}
		exitCode, err := execLinesFn(ctx, []string{"systemctl", "is-active", "--quiet", svc.Name})
		status := types.ServiceStatusRunning
		if err != nil {
			status = types.ServiceStatusUnknown
		} else if exitCode != 0 {
			status = types.ServiceStatusDown
		}
		if status != svc.Status {
			svc.Status = status
			svc.UpdatedAt = time.Now()
			if err := w.store.UpsertContainerService(svc); err != nil {
				logger.Error().Err(err).Str("service", svc.Name).Msg("failed to persist refreshed service status")
			}
		}
	}
}

func (w *Watchdog) markAllDown(services []*types.ContainerService, logger zerolog.Logger) {
	for _, svc := range services {
		if svc.Status == types.ServiceStatusUnknown {
			continue
		}
		svc.Status = types.ServiceStatusUnknown
		svc.UpdatedAt = time.Now()
		if err := w.store.UpsertContainerService(svc); err != nil {
			logger.Error().Err(err).Msg("failed to mark service unknown after dial failure")
		}
	}
}
