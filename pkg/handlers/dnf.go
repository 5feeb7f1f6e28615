package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// DNFHandler installs packages via Fedora/RHEL's dnf, falling back to yum
// on older RHEL-family systems that still ship it under that name.
type DNFHandler struct{}

func (h *DNFHandler) Manager() types.PackageManager { return types.ManagerDNF }

func (h *DNFHandler) binary(ctx context.Context, ch remoteshell.Channel) (string, error) {
	if ok, err := runOK(ctx, ch, []string{"sh", "-c", "command -v dnf"}); err != nil {
		return "", err
	} else if ok {
		return "dnf", nil
	}
	if ok, err := runOK(ctx, ch, []string{"sh", "-c", "command -v yum"}); err != nil {
		return "", err
	} else if ok {
		return "yum", nil
	}
	return "", fmt.Errorf("neither dnf nor yum found in container")
}

func (h *DNFHandler) Available(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	_, err := h.binary(ctx, ch)
	return err == nil, nil
}

func (h *DNFHandler) UpdateIndex(ctx context.Context, ch remoteshell.Channel) error {
	bin, err := h.binary(ctx, ch)
	if err != nil {
		return err
	}
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("%s makecache -y", bin)})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s makecache exited %d", bin, code)
	}
	return nil
}

// IsInstalled queries the RPM database directly, which is shared by both
// dnf and yum.
func (h *DNFHandler) IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("invalid package name %q", name)
	}
	bare := stripVersionSuffix(name)
	return runOK(ctx, ch, []string{"sh", "-c", fmt.Sprintf("rpm -q %s >/dev/null 2>&1", bare)})
}

func (h *DNFHandler) Install(ctx context.Context, ch remoteshell.Channel, names []string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	bin, err := h.binary(ctx, ch)
	if err != nil {
		return err
	}
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("%s install -y %s", bin, strings.Join(names, " "))})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s install %s exited %d", bin, strings.Join(names, " "), code)
	}
	return nil
}
