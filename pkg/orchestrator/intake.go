package orchestrator

import (
	"context"
	"fmt"

	"github.com/infrahaus/provisioner/pkg/provisionerrors"
	"github.com/infrahaus/provisioner/pkg/pve"
	"github.com/infrahaus/provisioner/pkg/types"
)

// checkNodeResources fails the job at intake if the target node cannot
// satisfy the job's requested resources, rather than letting PVE reject
// the create request mid-pipeline.
func checkNodeResources(ctx context.Context, client pve.Client, node string, cfg types.JobConfig) error {
	resources, err := client.NodeStatus(ctx, node)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteInfrastructure, fmt.Errorf("reading node status for %s: %w", node, err))
	}

	requestedMemory := int64(cfg.MemoryMB) * 1024 * 1024
	availableMemory := resources.MemoryBytes - resources.UsedMemory
	if requestedMemory > availableMemory {
		return provisionerrors.New(provisionerrors.KindConfiguration,
			fmt.Errorf("node %s has insufficient memory: requested %d MB, available %d MB", node, cfg.MemoryMB, availableMemory/1024/1024))
	}

	requestedDisk := int64(cfg.DiskGB) * 1024 * 1024 * 1024
	availableDisk := resources.DiskBytes - resources.UsedDisk
	if requestedDisk > availableDisk {
		return provisionerrors.New(provisionerrors.KindConfiguration,
			fmt.Errorf("node %s has insufficient disk: requested %d GB, available %d GB", node, cfg.DiskGB, availableDisk/1024/1024/1024))
	}

	if cfg.Cores > resources.CPUCores {
		return provisionerrors.New(provisionerrors.KindConfiguration,
			fmt.Errorf("node %s has only %d cores, job requests %d", node, resources.CPUCores, cfg.Cores))
	}

	return nil
}
