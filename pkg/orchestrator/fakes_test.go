package orchestrator

import (
	"context"
	"sync"

	"github.com/infrahaus/provisioner/pkg/pve"
	"github.com/infrahaus/provisioner/pkg/types"
)

// fakePVEClient answers every CreateCT/StartCT/PollTask call
// successfully and immediately, and answers Exec with a single
// successful completion line, which is enough to drive a full pipeline
// Run through channel upload/exec calls without a real PVE endpoint.
type fakePVEClient struct {
	mu         sync.Mutex
	createCalls int
	startCalls  int
	execCalls   int
	// failFromCall, when non-zero, makes every Exec call numbered at or
	// above it fail, letting a test pass the filesystem-readiness probe
	// (the first Exec call) before failing a later deploy-phase command.
	failFromCall int
	// failExactCall, when non-zero, fails only the one Exec call with
	// that number; every other call (before or after) succeeds. Lets a
	// test isolate a single transient failure without every later call
	// failing too.
	failExactCall int
}

func (f *fakePVEClient) CreateCT(ctx context.Context, params pve.CreateCTParams) (string, error) {
	f.mu.Lock()
	f.createCalls++
	f.mu.Unlock()
	return "UPID:create:1", nil
}

func (f *fakePVEClient) StartCT(ctx context.Context, node string, vmid int) (string, error) {
	f.mu.Lock()
	f.startCalls++
	f.mu.Unlock()
	return "UPID:start:1", nil
}

func (f *fakePVEClient) NodeStatus(ctx context.Context, node string) (pve.NodeResources, error) {
	return pve.NodeResources{
		CPUCores:    32,
		MemoryBytes: 64 << 30,
		DiskBytes:   1 << 40,
		UsedMemory:  1 << 30,
		UsedDisk:    1 << 30,
	}, nil
}

func (f *fakePVEClient) PollTask(ctx context.Context, node, upid string) (pve.TaskStatus, error) {
	return pve.TaskStatus{Running: false, ExitCode: "OK"}, nil
}

func (f *fakePVEClient) Exec(ctx context.Context, node string, vmid int, command []string) (<-chan pve.ExecResult, error) {
	f.mu.Lock()
	f.execCalls++
	call := f.execCalls
	f.mu.Unlock()

	out := make(chan pve.ExecResult, 1)
	exitCode := 0
	if f.failFromCall != 0 && call >= f.failFromCall {
		exitCode = 1
	}
	if f.failExactCall != 0 && call == f.failExactCall {
		exitCode = 1
	}
	out <- pve.ExecResult{Done: true, ExitCode: exitCode}
	close(out)
	return out, nil
}

// fakeStore is an in-memory storage.Store good enough to exercise a full
// pipeline Run without BoltDB.
type fakeStore struct {
	mu         sync.Mutex
	containers map[string]*types.Container
	services   map[string][]*types.ContainerService
	events     map[string][]*types.ProgressEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		containers: make(map[string]*types.Container),
		services:   make(map[string][]*types.ContainerService),
		events:     make(map[string][]*types.ProgressEvent),
	}
}

func (s *fakeStore) CreateContainer(c *types.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.containers[c.ID] = &cp
	return nil
}

func (s *fakeStore) GetContainer(id string) (*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.containers[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *fakeStore) ListContainers() ([]*types.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Container
	for _, c := range s.containers {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) UpdateContainer(c *types.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.containers[c.ID] = &cp
	return nil
}

func (s *fakeStore) DeleteContainer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.containers, id)
	return nil
}

func (s *fakeStore) UpsertContainerService(svc *types.ContainerService) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.services[svc.ContainerID]
	for i, existing := range list {
		if existing.Name == svc.Name {
			cp := *svc
			list[i] = &cp
			return nil
		}
	}
	cp := *svc
	s.services[svc.ContainerID] = append(list, &cp)
	return nil
}

func (s *fakeStore) GetContainerService(containerID, name string) (*types.ContainerService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range s.services[containerID] {
		if svc.Name == name {
			cp := *svc
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListContainerServices(containerID string) ([]*types.ContainerService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services[containerID], nil
}

func (s *fakeStore) AppendEvent(e *types.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ContainerID] = append(s.events[e.ContainerID], e)
	return nil
}

func (s *fakeStore) ListEvents(containerID string) ([]*types.ProgressEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[containerID], nil
}

func (s *fakeStore) Close() error { return nil }
