// Package pve defines the narrow interface the provisioning engine
// needs from the Proxmox VE HTTP API — create/start a container, poll a
// task to completion, and exec a command inside a running container —
// plus a default implementation against the documented REST endpoints.
// Per spec.md §1, the full PVE client is an external collaborator; this
// package only covers the surface the core actually calls.
package pve

import (
	"context"
	"time"
)

// CreateCTParams fully specifies an LXC create request.
type CreateCTParams struct {
	Node         string
	VMID         int
	OSTemplate   string
	Hostname     string
	MemoryMB     int
	SwapMB       int
	Cores        int
	RootFS       string // "<storage>:<sizeGB>"
	Net0         string // "name=eth0,bridge=<br>,<ipConfig>"
	Nameserver   string
	RootPassword string
	SSHPublicKey string
	Unprivileged bool
	Features     string // assembled from the job's nesting flag, e.g. "nesting=1"
	Tags         string
}

// TaskStatus is the terminal or in-progress state of a PVE async task.
type TaskStatus struct {
	Running  bool
	ExitCode string // "OK" on success; anything else is a failure
}

// NodeResources is a PVE node's capacity and current usage, used for the
// pre-P1 intake check so an oversubscribed node fails fast with a
// ConfigurationError instead of letting PVE reject the create mid-pipeline.
type NodeResources struct {
	CPUCores     int
	MemoryBytes  int64
	DiskBytes    int64
	UsedMemory   int64
	UsedDisk     int64
}

// ExecResult carries one line of output from a container-exec stream.
type ExecResult struct {
	Line     string
	Stderr   bool
	Done     bool
	ExitCode int
}

// Client is the subset of the Proxmox API the provisioning engine uses.
type Client interface {
	// CreateCT issues a create request and returns a PVE task UPID.
	CreateCT(ctx context.Context, params CreateCTParams) (upid string, err error)

	// StartCT issues a start request and returns a PVE task UPID.
	StartCT(ctx context.Context, node string, vmid int) (upid string, err error)

	// NodeStatus returns the target node's capacity and current usage.
	NodeStatus(ctx context.Context, node string) (NodeResources, error)

	// PollTask returns the current status of a previously issued task.
	PollTask(ctx context.Context, node, upid string) (TaskStatus, error)

	// Exec runs command inside the container via the PVE container-exec
	// facility and streams output lines on the returned channel, closing
	// it when the command exits or ctx is cancelled.
	Exec(ctx context.Context, node string, vmid int, command []string) (<-chan ExecResult, error)
}

// WaitForTask polls PollTask at the given interval until it reports a
// terminal state or the deadline embedded in ctx elapses.
func WaitForTask(ctx context.Context, client Client, node, upid string, interval time.Duration) (TaskStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := client.PollTask(ctx, node, upid)
		if err != nil {
			return TaskStatus{}, err
		}
		if !status.Running {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return TaskStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
