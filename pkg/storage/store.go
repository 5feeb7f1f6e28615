// Package storage persists the orchestrator's Container and
// ContainerService records, plus the durable tail of step/complete/error
// ProgressEvents, in a BoltDB file — mirroring the teacher's
// bucket-per-kind, JSON-marshaled-value storage design.
package storage

import "github.com/infrahaus/provisioner/pkg/types"

// Store is the orchestrator's exclusive persistence interface for
// Container and ContainerService records (spec.md §3 ownership rule).
type Store interface {
	CreateContainer(c *types.Container) error
	GetContainer(id string) (*types.Container, error)
	ListContainers() ([]*types.Container, error)
	UpdateContainer(c *types.Container) error
	DeleteContainer(id string) error

	UpsertContainerService(s *types.ContainerService) error
	GetContainerService(containerID, name string) (*types.ContainerService, error)
	ListContainerServices(containerID string) ([]*types.ContainerService, error)

	AppendEvent(e *types.ProgressEvent) error
	ListEvents(containerID string) ([]*types.ProgressEvent, error)

	Close() error
}
