package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// APTHandler installs packages via Debian/Ubuntu's apt-get.
type APTHandler struct{}

func (h *APTHandler) Manager() types.PackageManager { return types.ManagerAPT }

func (h *APTHandler) Available(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	return runOK(ctx, ch, []string{"sh", "-c", "command -v apt-get"})
}

func (h *APTHandler) UpdateIndex(ctx context.Context, ch remoteshell.Channel) error {
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", "DEBIAN_FRONTEND=noninteractive apt-get update -y"})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("apt-get update exited %d", code)
	}
	return nil
}

// IsInstalled reads dpkg's status field directly rather than trusting
// dpkg -s's exit code alone: a removed-but-not-purged package still
// exits 0 with a "deinstall" status.
func (h *APTHandler) IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("invalid package name %q", name)
	}
	bare := stripVersionSuffix(name)
	lines, _, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("dpkg -s %s 2>/dev/null", bare)})
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if strings.Contains(l, "install ok installed") {
			return true, nil
		}
	}
	return false, nil
}

func (h *APTHandler) Install(ctx context.Context, ch remoteshell.Channel, names []string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	cmd := fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %s", strings.Join(names, " "))
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", cmd})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("apt-get install %s exited %d", strings.Join(names, " "), code)
	}
	return nil
}
