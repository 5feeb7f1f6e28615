// Package discovery implements P5's post-provision service and port
// discovery: which systemd units are running, and which processes are
// listening on which TCP ports, joined into ContainerService records.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/types"
)

// excludedUnits are system units never surfaced as a discoverable
// ContainerService.
var excludedUnits = map[string]bool{
	"systemd-journald.service": true,
	"systemd-logind.service":   true,
	"systemd-udevd.service":    true,
	"dbus.service":             true,
	"cron.service":             true,
	"ssh.service":              true,
	"sshd.service":             true,
	"config-manager.service":   true,
	"networking.service":       true,
	"getty.service":            true,
}

// RunningUnits enumerates active systemd units, excluding the
// hard-coded system set.
func RunningUnits(ctx context.Context, ch remoteshell.Channel) ([]string, error) {
	lines, err := execLines(ctx, ch, []string{"sh", "-c",
		"systemctl list-units --type=service --state=running --no-legend --plain | awk '{print $1}'"})
	if err != nil {
		return nil, fmt.Errorf("listing running units: %w", err)
	}

	var units []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || excludedUnits[l] {
			continue
		}
		units = append(units, l)
	}
	return units, nil
}

// ListeningPorts parses "ss -tlnp"-style output into processName → port.
func ListeningPorts(ctx context.Context, ch remoteshell.Channel) (map[string]int, error) {
	lines, err := execLines(ctx, ch, []string{"sh", "-c", "ss -tlnp 2>/dev/null"})
	if err != nil {
		return nil, fmt.Errorf("listing listening ports: %w", err)
	}

	ports := make(map[string]int)
	for _, l := range lines {
		port, ok := parsePort(l)
		if !ok {
			continue
		}
		proc, ok := parseProcessName(l)
		if !ok {
			continue
		}
		ports[proc] = port
	}
	return ports, nil
}

func parsePort(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return 0, false
	}
	localAddr := fields[3]
	idx := strings.LastIndex(localAddr, ":")
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.Atoi(localAddr[idx+1:])
	if err != nil {
		return 0, false
	}
	return port, true
}

func parseProcessName(line string) (string, bool) {
	idx := strings.Index(line, `users:(("`)
	if idx < 0 {
		return "", false
	}
	rest := line[idx+len(`users:(("`):]
	end := strings.Index(rest, `"`)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// BuildServices joins discovered units and listening ports into
// ContainerService records, attaching a port and synthesized webUrl when
// the unit's process name matches a listening port.
func BuildServices(containerID, containerIP string, units []string, ports map[string]int) []types.ContainerService {
	var services []types.ContainerService
	for _, unit := range units {
		name := strings.TrimSuffix(unit, ".service")
		svc := types.ContainerService{
			ContainerID: containerID,
			Name:        name,
			Type:        "systemd",
			Status:      types.ServiceStatusRunning,
			UpdatedAt:   time.Now(),
		}
		if port, ok := ports[name]; ok {
			svc.Port = port
			svc.WebURL = fmt.Sprintf("http://%s:%d", containerIP, port)
		}
		services = append(services, svc)
	}
	return services
}

func execLines(ctx context.Context, ch remoteshell.Channel, command []string) ([]string, error) {
	out, err := ch.Exec(ctx, command)
	if err != nil {
		return nil, err
	}

	var lines []string
	for l := range out {
		if l.Done {
			continue
		}
		if !l.Stderr {
			lines = append(lines, l.Text)
		}
	}
	return lines, nil
}
