// Package credentials implements P5's credential discovery: reading
// small files under /etc/infrahaus/credentials/ inside a container over
// the remote shell channel and encrypting their contents with the host's
// vault for storage at rest. The contents cross the channel in plaintext;
// encryption happens on the host after they are read.
package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/security"
	"github.com/infrahaus/provisioner/pkg/types"
)

const credentialsDir = "/etc/infrahaus/credentials"

// Discover lists credentialsDir, reads each non-empty file, and returns
// one ContainerService per file with its content encrypted at rest.
// The filename (minus a .json/.txt/.conf extension) becomes the service
// name.
func Discover(ctx context.Context, ch remoteshell.Channel, vault *security.Vault, containerID string) ([]types.ContainerService, error) {
	lines, err := execLines(ctx, ch, []string{"sh", "-c", fmt.Sprintf("ls -1 %s 2>/dev/null", credentialsDir)})
	if err != nil {
		return nil, fmt.Errorf("listing credentials directory: %w", err)
	}

	var services []types.ContainerService
	for _, filename := range lines {
		filename = strings.TrimSpace(filename)
		if filename == "" {
			continue
		}

		content, err := execLines(ctx, ch, []string{"cat", credentialsDir + "/" + filename})
		if err != nil {
			continue
		}
		joined := strings.Join(content, "\n")
		if strings.TrimSpace(joined) == "" {
			continue
		}

		encrypted, err := vault.Encrypt([]byte(joined))
		if err != nil {
			return nil, fmt.Errorf("encrypting credentials for %s: %w", filename, err)
		}

		services = append(services, types.ContainerService{
			ContainerID:          containerID,
			Name:                 serviceNameFromFilename(filename),
			Type:                 "systemd",
			Status:               types.ServiceStatusRunning,
			CredentialsEncrypted: encrypted,
			UpdatedAt:            time.Now(),
		})
	}

	return services, nil
}

func serviceNameFromFilename(filename string) string {
	for _, ext := range []string{".json", ".txt", ".conf"} {
		if strings.HasSuffix(filename, ext) {
			return strings.TrimSuffix(filename, ext)
		}
	}
	return filename
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
