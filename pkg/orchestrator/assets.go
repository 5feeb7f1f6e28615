package orchestrator

// syncDriverScript is uploaded into every container as the script the
// systemd unit below invokes; it just execs the in-container agent
// binary, which callers are expected to have baked into the container
// image or OS template.
const syncDriverScript = `#!/bin/sh
set -e
exec /usr/local/bin/configmanager sync --once
`

// syncUnitDescriptor is the systemd unit installed alongside the driver
// script, started once during P4 and then left enabled for future syncs.
const syncUnitDescriptor = `[Unit]
Description=InfraHaus Configuration Manager sync
After=network-online.target

[Service]
Type=oneshot
EnvironmentFile=/etc/config-manager/config.env
ExecStart=/etc/config-manager/sync.sh

[Install]
WantedBy=multi-user.target
`
