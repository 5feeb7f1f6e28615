// Package confmanager implements the in-container Configuration Manager:
// detects the OS and package manager, applies packages/files/scripts
// under <CONFIG_ROOT> idempotently, and commits sync state atomically.
package confmanager

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/infrahaus/provisioner/pkg/handlers"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

const osReleasePath = "/etc/os-release"

// Detection is the result of one probe of the local system. Detect
// probes again on every call; nothing caches the result.
type Detection struct {
	OSID    string // os-release ID field, e.g. "ubuntu", "alpine"
	Manager handlers.Installer
}

// Detect resolves the OS and native package manager. It reads the
// standard release-info file first; if that yields no usable ID, it
// falls back to probing for each handler's binary in a fixed order.
func Detect(ctx context.Context, ch remoteshell.Channel, registry *handlers.Registry) (*Detection, error) {
	osID := readOSRelease()

	if h, ok := managerForOSID(osID, registry); ok {
		if available, err := h.Available(ctx, ch); err == nil && available {
			return &Detection{OSID: osID, Manager: h}, nil
		}
	}

	for _, name := range []string{"apt", "dnf", "apk"} {
		h, err := registry.Get(managerName(name))
		if err != nil {
			continue
		}
		available, err := h.Available(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("probing %s availability: %w", name, err)
		}
		if available {
			return &Detection{OSID: osID, Manager: h}, nil
		}
	}

	return nil, fmt.Errorf("no supported native package manager found on this system")
}

// osIDManager maps a handful of well-known os-release IDs straight to a
// manager, skipping the probe step in the common case.
var osIDManager = map[string]types.PackageManager{
	"ubuntu": types.ManagerAPT,
	"debian": types.ManagerAPT,
	"alpine": types.ManagerAPK,
	"fedora": types.ManagerDNF,
	"rhel":   types.ManagerDNF,
	"centos": types.ManagerDNF,
	"rocky":  types.ManagerDNF,
	"almalinux": types.ManagerDNF,
}

func managerForOSID(osID string, registry *handlers.Registry) (handlers.Installer, bool) {
	m, ok := osIDManager[osID]
	if !ok {
		return nil, false
	}
	h, err := registry.Get(m)
	if err != nil {
		return nil, false
	}
	return h, true
}

func managerName(name string) types.PackageManager {
	switch name {
	case "apt":
		return types.ManagerAPT
	case "dnf":
		return types.ManagerDNF
	case "apk":
		return types.ManagerAPK
	default:
		return ""
	}
}

func readOSRelease() string {
	f, err := os.Open(osReleasePath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if id, ok := strings.CutPrefix(line, "ID="); ok {
			return strings.Trim(id, `"`)
		}
	}
	return ""
}
