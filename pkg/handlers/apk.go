package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// APKHandler installs packages via Alpine's apk.
type APKHandler struct{}

func (h *APKHandler) Manager() types.PackageManager { return types.ManagerAPK }

func (h *APKHandler) Available(ctx context.Context, ch remoteshell.Channel) (bool, error) {
	return runOK(ctx, ch, []string{"sh", "-c", "command -v apk"})
}

func (h *APKHandler) UpdateIndex(ctx context.Context, ch remoteshell.Channel) error {
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", "apk update"})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("apk update exited %d", code)
	}
	return nil
}

func (h *APKHandler) IsInstalled(ctx context.Context, ch remoteshell.Channel, name string) (bool, error) {
	if !ValidName(name) {
		return false, fmt.Errorf("invalid package name %q", name)
	}
	bare := stripVersionSuffix(name)
	return runOK(ctx, ch, []string{"sh", "-c", fmt.Sprintf("apk info -e %s >/dev/null 2>&1", bare)})
}

func (h *APKHandler) Install(ctx context.Context, ch remoteshell.Channel, names []string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("invalid package name %q", n)
		}
	}
	_, code, err := runLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("apk add --no-cache %s", strings.Join(names, " "))})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("apk add %s exited %d", strings.Join(names, " "), code)
	}
	return nil
}
