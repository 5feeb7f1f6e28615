package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// PIPHandler installs Python packages, preferring pip3 and falling back
// to pip when pip3 is not on PATH.
type PIPHandler struct{}

func (h *PIPHandler) Manager() types.PackageManager { return types.ManagerPIP }

func (h *PIPHandler) binary(ctx context.Context, ch remoteshell.Channel) (string, error) {
	if ok, err := runOK(ctx, ch, []string{"sh", "-c", "command -v pip3"}); err != nil {
		return "", err
	} else if ok {
		return "pip3", nil
	}
	if ok, err := runOK(ctx, ch, []string{"sh", "-c", "command -v pip"}); err != nil {
		return "", err
	} else if ok {
		return "pip", nil
	}
	return "", fmt.Errorf("neither pip3 nor pip found in container")
}

func (h *PIPHandler) Available(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	_, err := h.binary(ctx, ch)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// UpdateIndex is a no-op: pip has no local index comparable to apt/apk/dnf.
func (h *PIPHandler) UpdateIndex(ctx context.Context, ch remoteshell.Channel) error {
	return nil
}

func (h *PIPHandler) IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("invalid package name %q", name)
	}
	bin, err := h.binary(ctx, ch)
	if err != nil {
		return false, err
	}
	bare := stripVersionSuffix(name)
	return runOK(ctx, ch, []string{"sh", "-c", fmt.Sprintf("%s show %s >/dev/null 2>&1", bin, bare)})
}

func (h *PIPHandler) Install(ctx context.Context, ch remoteshell.Channel, names []string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	bin, err := h.binary(ctx, ch)
	if err != nil {
		return err
	}
	joined := strings.Join(names, " ")
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("%s install %s", bin, joined)})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s install %s exited %d", bin, joined, code)
	}
	return nil
}
