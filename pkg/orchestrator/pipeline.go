package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/infrahaus/provisioner/pkg/confmanager"
	"github.com/infrahaus/provisioner/pkg/config"
	"github.com/infrahaus/provisioner/pkg/credentials"
	"github.com/infrahaus/provisioner/pkg/discovery"
	"github.com/infrahaus/provisioner/pkg/handlers"
	"github.com/infrahaus/provisioner/pkg/log"
	"github.com/infrahaus/provisioner/pkg/provisionerrors"
	"github.com/infrahaus/provisioner/pkg/pve"
	"github.com/infrahaus/provisioner/pkg/remoteshell"
	"github.com/infrahaus/provisioner/pkg/security"
	"github.com/infrahaus/provisioner/pkg/storage"
	"github.com/infrahaus/provisioner/pkg/types"
)

const (
	createTimeout      = 120 * time.Second
	startTimeout       = 60 * time.Second
	pollInterval       = 2 * time.Second
	fsReadyProbes      = 15
	fsReadyProbeDelay  = 1 * time.Second
	fsReadyProbePath   = "/etc/systemd/system"
)

// Pipeline drives a single ContainerCreationJob through all five phases.
// Run keeps all per-job state local, so the worker pool shares one
// Pipeline across every job it runs concurrently.
type Pipeline struct {
	pve       pve.Client
	store     storage.Store
	progress  *ProgressSink
	registry  *handlers.Registry
	vault     *security.Vault
	templates TemplateProvider
	syncCfg   config.SyncConfig
}

// NewPipeline builds a Pipeline with the given dependencies.
func NewPipeline(pveClient pve.Client, store storage.Store, progress *ProgressSink, vault *security.Vault, templates TemplateProvider, syncCfg config.SyncConfig) *Pipeline {
	return &Pipeline{
		pve:       pveClient,
		store:     store,
		progress:  progress,
		registry:  handlers.NewRegistry(),
		vault:     vault,
		templates: templates,
		syncCfg:   syncCfg,
	}
}

// Run executes all five phases for job. On any fatal error the
// container's lifecycle is set to "error", an error event is published,
// and the remote shell channel (if one was opened) is closed before
// returning.
func (p *Pipeline) Run(ctx context.Context, job *types.ContainerCreationJob, cancel *CancelToken) error {
	logger := log.WithContainerID(job.ContainerID)

	container := &types.Container{
		ID:        job.ContainerID,
		VMID:      job.Config.VMID,
		NodeName:  job.NodeName,
		TemplateID: job.TemplateID,
		Lifecycle: types.LifecyclePending,
		CreatedAt: time.Now(),
	}
	if err := p.store.CreateContainer(container); err != nil {
		return provisionerrors.New(provisionerrors.KindState, err)
	}

	if err := checkNodeResources(ctx, p.pve, job.NodeName, job.Config); err != nil {
		p.fail(ctx, container, err.Error())
		return err
	}

	var ch remoteshell.Channel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	steps := []struct {
		name string
		run  func() error
	}{
		{"create", func() error { return p.p1Create(ctx, container, job) }},
		{"start", func() error {
			var err error
			ch, err = p.p2Start(ctx, container, job)
			return err
		}},
		{"deploy", func() error { return p.p3Deploy(ctx, container, job, ch) }},
		{"sync", func() error { return p.p4Sync(ctx, container, job, ch, cancel) }},
		{"finalize", func() error { return p.p5Finalize(ctx, container, ch) }},
	}

	for _, s := range steps {
		if cancelled, reason := cancel.Cancelled(); cancelled {
			p.fail(ctx, container, "cancelled: "+reason)
			return provisionerrors.Newf(provisionerrors.KindState, "job cancelled: %s", reason)
		}
		if err := s.run(); err != nil {
			logger.Error().Err(err).Str("phase", s.name).Msg("phase failed")
			reason := provisionerrors.UserMessage(err)
			if cancelled, why := cancel.Cancelled(); cancelled {
				reason = "cancelled: " + why
			}
			p.fail(ctx, container, reason)
			return err
		}
	}

	return nil
}

func (p *Pipeline) fail(ctx context.Context, container *types.Container, reason string) {
	container.Lifecycle = types.LifecycleError
	container.ErrorReason = reason
	if err := p.store.UpdateContainer(container); err != nil {
		log.WithContainerID(container.ID).Error().Err(err).Msg("failed to persist error lifecycle")
	}
	p.progress.Error(ctx, container.ID, reason)
}

func (p *Pipeline) transition(ctx context.Context, container *types.Container, to types.Lifecycle, step string, percent int, message string) error {
	if !types.CanTransition(container.Lifecycle, to) {
		return provisionerrors.Newf(provisionerrors.KindState, "illegal lifecycle transition %s -> %s", container.Lifecycle, to)
	}
	container.Lifecycle = to
	if err := p.store.UpdateContainer(container); err != nil {
		return provisionerrors.New(provisionerrors.KindState, err)
	}
	p.progress.Step(ctx, container.ID, step, percent, message)
	return nil
}

// p1Create issues the PVE create call and polls it to completion.
func (p *Pipeline) p1Create(ctx context.Context, container *types.Container, job *types.ContainerCreationJob) error {
	if err := p.transition(ctx, container, types.LifecycleCreating, "creating", 0, "creating container"); err != nil {
		return err
	}

	params := pve.CreateCTParams{
		Node:         job.NodeName,
		VMID:         job.Config.VMID,
		OSTemplate:   job.Config.OSTemplate,
		Hostname:     job.Config.Hostname,
		MemoryMB:     job.Config.MemoryMB,
		SwapMB:       job.Config.SwapMB,
		Cores:        job.Config.Cores,
		RootFS:       fmt.Sprintf("%s:%d", job.Config.Storage, job.Config.DiskGB),
		Net0:         fmt.Sprintf("name=eth0,bridge=%s,%s", job.Config.Bridge, job.Config.IPConfig),
		Nameserver:   job.Config.Nameserver,
		RootPassword: job.Config.RootPassword,
		SSHPublicKey: job.Config.SSHPublicKey,
		Unprivileged: job.Config.Unprivileged,
		Features:     securityFeatures(job.Config),
		Tags:         job.Config.Tags,
	}

	upid, err := p.pve.CreateCT(ctx, params)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteInfrastructure, fmt.Errorf("create request: %w", err))
	}

	createCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()
	status, err := pve.WaitForTask(createCtx, p.pve, job.NodeName, upid, pollInterval)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteInfrastructure, fmt.Errorf("polling create task: %w", err))
	}
	if status.ExitCode != "OK" {
		return provisionerrors.Newf(provisionerrors.KindRemoteInfrastructure, "create task ended with status %q", status.ExitCode)
	}

	p.progress.Step(ctx, container.ID, "creating", 20, "container created")
	return nil
}

// managerExtension maps a template package's manager to the packages/
// file extension the in-container Configuration Manager dispatches on.
var managerExtension = map[types.PackageManager]string{
	types.ManagerAPT: ".apt",
	types.ManagerAPK: ".apk",
	types.ManagerDNF: ".dnf",
	types.ManagerNPM: ".npm",
	types.ManagerPIP: ".pip",
}

// buildPackageFiles groups a template's packages by manager into the
// newline-delimited file content the Configuration Manager expects,
// pinning a version when one is set.
func buildPackageFiles(packages []types.Package) map[types.PackageManager]string {
	lines := make(map[types.PackageManager][]string)
	for _, pkg := range packages {
		name := pkg.Name
		if pkg.Version != "" {
			name = fmt.Sprintf("%s=%s", pkg.Name, pkg.Version)
		}
		lines[pkg.Manager] = append(lines[pkg.Manager], name)
	}

	files := make(map[types.PackageManager]string, len(lines))
	for manager, names := range lines {
		files[manager] = strings.Join(names, "\n") + "\n"
	}
	return files
}

func securityFeatures(cfg types.JobConfig) string {
	features := ""
	if cfg.Nesting {
		features = appendFeature(features, "nesting=1")
	}
	return features
}

func appendFeature(existing, feature string) string {
	if existing == "" {
		return feature
	}
	return existing + "," + feature
}

// p2Start starts the container, waits for the task to finish, then
// probes for filesystem readiness, and returns an open shell channel.
func (p *Pipeline) p2Start(ctx context.Context, container *types.Container, job *types.ContainerCreationJob) (remoteshell.Channel, error) {
	if err := p.transition(ctx, container, types.LifecycleStarting, "starting", 20, "starting container"); err != nil {
		return nil, err
	}

	upid, err := p.pve.StartCT(ctx, job.NodeName, job.Config.VMID)
	if err != nil {
		return nil, provisionerrors.New(provisionerrors.KindRemoteInfrastructure, fmt.Errorf("start request: %w", err))
	}

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	status, err := pve.WaitForTask(startCtx, p.pve, job.NodeName, upid, pollInterval)
	if err != nil {
		return nil, provisionerrors.New(provisionerrors.KindRemoteInfrastructure, fmt.Errorf("polling start task: %w", err))
	}
	if status.ExitCode != "OK" {
		return nil, provisionerrors.Newf(provisionerrors.KindRemoteInfrastructure, "start task ended with status %q", status.ExitCode)
	}

	ch := remoteshell.NewPVEExecChannel(p.pve, job.NodeName, job.Config.VMID)

	ready := false
	for i := 0; i < fsReadyProbes; i++ {
		lines, err := ch.Exec(ctx, []string{"sh", "-c", fmt.Sprintf("test -d %s", fsReadyProbePath)})
		if err == nil {
			for l := range lines {
				if l.Done && l.ExitCode == 0 {
					ready = true
				}
			}
		}
		if ready {
			break
		}
		time.Sleep(fsReadyProbeDelay)
	}
	if !ready {
		ch.Close()
		return nil, provisionerrors.Newf(provisionerrors.KindRemoteInfrastructure, "container filesystem not ready after %d probes", fsReadyProbes)
	}

	p.progress.Step(ctx, container.ID, "starting", 35, "container started and ready")
	return ch, nil
}

// p3Deploy pushes the manager, its systemd unit, and the template's
// managed files into the container.
func (p *Pipeline) p3Deploy(ctx context.Context, container *types.Container, job *types.ContainerCreationJob, ch remoteshell.Channel) error {
	if err := p.transition(ctx, container, types.LifecycleDeploying, "deploying", 35, "deploying configuration manager"); err != nil {
		return err
	}

	for _, dir := range []string{"/etc/config-manager", "/etc/infrahaus/credentials", "/var/log/config-manager"} {
		if err := runFatal(ctx, ch, []string{"mkdir", "-p", dir}); err != nil {
			return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("creating %s: %w", dir, err))
		}
	}

	configEnv := renderConfigEnv(p.syncCfg, job)
	if err := ch.Upload(ctx, "/etc/config-manager/config.env", []byte(configEnv), 0o600); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading config.env: %w", err))
	}

	if err := ch.Upload(ctx, "/etc/config-manager/sync.sh", []byte(syncDriverScript), 0o755); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading sync driver: %w", err))
	}
	if err := ch.Upload(ctx, "/etc/systemd/system/config-manager.service", []byte(syncUnitDescriptor), 0o644); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading systemd unit: %w", err))
	}
	if err := runFatal(ctx, ch, []string{"systemctl", "daemon-reload"}); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("daemon-reload: %w", err))
	}
	if err := runFatal(ctx, ch, []string{"systemctl", "enable", "config-manager.service"}); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("enabling unit: %w", err))
	}

	if job.TemplateID != "" && p.templates != nil {
		tmpl, err := p.templates.Get(ctx, job.TemplateID)
		if err != nil {
			return provisionerrors.New(provisionerrors.KindConfiguration, fmt.Errorf("resolving template %s: %w", job.TemplateID, err))
		}

		for manager, content := range buildPackageFiles(tmpl.Packages) {
			ext, ok := managerExtension[manager]
			if !ok {
				continue
			}
			path := fmt.Sprintf("/etc/config-manager/packages/packages%s", ext)
			if err := ch.Upload(ctx, path, []byte(content), 0o644); err != nil {
				return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading %s package list: %w", manager, err))
			}
		}
		for _, s := range selectedTemplateScripts(tmpl.Scripts, job.Scripts) {
			path := fmt.Sprintf("/etc/config-manager/scripts/%02d-%s.sh", s.Order, s.Name)
			if err := ch.Upload(ctx, path, []byte(s.Content), 0o755); err != nil {
				return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading script %s: %w", s.Name, err))
			}
		}
		manifest, err := confmanager.MarshalManifest(tmpl.Files)
		if err != nil {
			return provisionerrors.New(provisionerrors.KindConfiguration, fmt.Errorf("marshaling managed-files manifest: %w", err))
		}
		if err := ch.Upload(ctx, "/etc/config-manager/files/manifest.json", manifest, 0o644); err != nil {
			return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading managed-files manifest: %w", err))
		}
	}

	p.progress.Step(ctx, container.ID, "deploying", 60, "configuration manager deployed")
	return nil
}

// p4ScriptBasePercent and p4ScriptTopPercent bound the percent range the
// per-script loop below apportions uniformly across the job's selected
// template scripts.
const (
	p4ScriptBasePercent = 65
	p4ScriptTopPercent  = 90
	scriptWorkDir       = "/var/lib/config-manager/work"
)

// p4Sync runs three distinct, independently-scoped steps: it triggers
// the deployed Configuration Manager's own initial sync (packages,
// managed files and the scripts under scripts/; best-effort, since a later periodic pass will retry
// anything that failed here), installs the job's user-selected
// packages (also best-effort), and then directly drives the job's
// selected template scripts to completion one at a time, streaming
// each script's output as it runs and stopping at the first non-zero
// exit or cancellation.
func (p *Pipeline) p4Sync(ctx context.Context, container *types.Container, job *types.ContainerCreationJob, ch remoteshell.Channel, cancel *CancelToken) error {
	if err := p.transition(ctx, container, types.LifecycleSyncing, "syncing", 60, "running configuration manager"); err != nil {
		return err
	}

	if exitCode, err := runStreamed(ctx, p.progress, container.ID, ch, []string{"systemctl", "start", "config-manager.service"}); err != nil || exitCode != 0 {
		log.WithContainerID(container.ID).Warn().Err(err).Int("exit_code", exitCode).Msg("initial configuration manager sync failed, continuing")
	}

	if len(job.AdditionalPackages) > 0 {
		detection, err := confmanagerDetect(ctx, ch, p.registry)
		if err != nil {
			log.WithContainerID(container.ID).Warn().Err(err).Msg("could not detect package manager for user-selected packages")
		} else {
			if err := detection.UpdateIndex(ctx, ch); err != nil {
				log.WithContainerID(container.ID).Warn().Err(err).Msg("index update failed for user-selected packages")
			} else if err := detection.Install(ctx, ch, job.AdditionalPackages); err != nil {
				log.WithContainerID(container.ID).Warn().Err(err).Msg("user-selected package install failed")
			}
		}
	}

	scripts, err := p.resolveSelectedScripts(ctx, job)
	if err != nil {
		return err
	}

	for i, script := range scripts {
		if cancelled, reason := cancel.Cancelled(); cancelled {
			return provisionerrors.Newf(provisionerrors.KindState, "job cancelled: %s", reason)
		}

		if err := p.runTemplateScript(ctx, container, ch, script); err != nil {
			return err
		}

		percent := p4ScriptBasePercent + (i+1)*(p4ScriptTopPercent-p4ScriptBasePercent)/len(scripts)
		p.progress.Step(ctx, container.ID, "syncing", percent, fmt.Sprintf("script %s complete", script.Name))
	}

	p.progress.Step(ctx, container.ID, "syncing", p4ScriptTopPercent, "configuration sync complete")
	return nil
}

// resolveSelectedScripts re-resolves the job's template to get the
// script bodies p3Deploy already uploaded under scripts/, so p4Sync can
// drive them directly rather than relying on the in-container manager's
// own opaque execution of that directory.
func (p *Pipeline) resolveSelectedScripts(ctx context.Context, job *types.ContainerCreationJob) ([]types.Script, error) {
	if job.TemplateID == "" || p.templates == nil {
		return nil, nil
	}
	tmpl, err := p.templates.Get(ctx, job.TemplateID)
	if err != nil {
		return nil, provisionerrors.New(provisionerrors.KindConfiguration, fmt.Errorf("resolving template %s: %w", job.TemplateID, err))
	}
	return selectedTemplateScripts(tmpl.Scripts, job.Scripts), nil
}

// runTemplateScript uploads one template script to a scratch path and
// executes it, streaming its output to the job's progress log. A
// non-zero exit is fatal and names the failing script.
func (p *Pipeline) runTemplateScript(ctx context.Context, container *types.Container, ch remoteshell.Channel, script types.Script) error {
	workPath := fmt.Sprintf("%s/%02d-%s.sh", scriptWorkDir, script.Order, script.Name)
	if err := ch.Upload(ctx, workPath, []byte(script.Content), 0o755); err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("uploading script %s: %w", script.Name, err))
	}

	exitCode, err := runStreamed(ctx, p.progress, container.ID, ch, []string{"sh", workPath})
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, fmt.Errorf("starting script %s: %w", script.Name, err))
	}
	if exitCode != 0 {
		return provisionerrors.Newf(provisionerrors.KindRemoteExec, "script %q failed with exit code %d", script.Name, exitCode)
	}

	_, _ = ch.Exec(ctx, []string{"rm", "-f", workPath})
	return nil
}

// p5Finalize discovers credentials and running services, persists
// ContainerService records, and transitions the container to ready.
func (p *Pipeline) p5Finalize(ctx context.Context, container *types.Container, ch remoteshell.Channel) error {
	if err := p.transition(ctx, container, types.LifecycleFinalizing, "finalizing", 90, "discovering services"); err != nil {
		return err
	}

	credServices, err := credentials.Discover(ctx, ch, p.vault, container.ID)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, err)
	}
	for _, svc := range credServices {
		if err := p.store.UpsertContainerService(&svc); err != nil {
			return provisionerrors.New(provisionerrors.KindState, err)
		}
	}

	units, err := discovery.RunningUnits(ctx, ch)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, err)
	}
	ports, err := discovery.ListeningPorts(ctx, ch)
	if err != nil {
		return provisionerrors.New(provisionerrors.KindRemoteExec, err)
	}
	for _, svc := range discovery.BuildServices(container.ID, container.IPAddress, units, ports) {
		if err := p.store.UpsertContainerService(&svc); err != nil {
			return provisionerrors.New(provisionerrors.KindState, err)
		}
	}

	container.Lifecycle = types.LifecycleReady
	if err := p.store.UpdateContainer(container); err != nil {
		return provisionerrors.New(provisionerrors.KindState, err)
	}
	p.progress.Complete(ctx, container.ID, "provisioning complete")
	return nil
}

// selectedTemplateScripts resolves which of a template's scripts are
// enabled for this job: a job-level ScriptConfig entry overrides the
// template's own Enabled default for the script of the same name;
// scripts the job payload never mentions fall back to that default.
func selectedTemplateScripts(templateScripts []types.Script, jobScripts []types.ScriptConfig) []types.Script {
	overrides := make(map[string]bool, len(jobScripts))
	for _, s := range jobScripts {
		overrides[s.Name] = s.Enabled
	}

	var selected []types.Script
	for _, s := range templateScripts {
		enabled := s.Enabled
		if override, ok := overrides[s.Name]; ok {
			enabled = override
		}
		if enabled {
			selected = append(selected, s)
		}
	}
	return selected
}

func runFatal(ctx context.Context, ch remoteshell.Channel, command []string) error {
	lines, err := ch.Exec(ctx, command)
	if err != nil {
		return err
	}
	for l := range lines {
		if l.Done && l.ExitCode != 0 {
			return fmt.Errorf("command %v exited %d", command, l.ExitCode)
		}
	}
	return nil
}

// runStreamed executes command over ch, publishing every non-empty
// output line as a log progress event as it arrives so a caller never
// starts a dependent step before the command's last line is published,
// and returns its exit code once it finishes.
func runStreamed(ctx context.Context, progress *ProgressSink, containerID string, ch remoteshell.Channel, command []string) (int, error) {
	lines, err := ch.Exec(ctx, command)
	if err != nil {
		return 0, err
	}
	exitCode := -1
	for l := range lines {
		if l.Done {
			exitCode = l.ExitCode
			continue
		}
		if l.Text != "" {
			progress.Log(ctx, containerID, l.Text)
		}
	}
	return exitCode, nil
}

func confmanagerDetect(ctx context.Context, ch remoteshell.Channel, registry *handlers.Registry) (handlers.Installer, error) {
	for _, m := range []types.PackageManager{types.ManagerAPT, types.ManagerDNF, types.ManagerAPK} {
		h, err := registry.Get(m)
		if err != nil {
			continue
		}
		if ok, err := h.Available(ctx, ch); err == nil && ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("no supported native package manager found")
}

// configRoot is where the Configuration Manager looks for its
// packages/, scripts/, and files/ directories inside every container.
const configRoot = "/etc/config-manager"

var configEnvTemplate = template.Must(template.New("config.env").Parse(
	`CONFIG_ROOT={{.ConfigRoot}}
CONFIG_REPO_URL={{.RepoURL}}
CONFIG_BRANCH={{.Branch}}
CONFIG_SYNC_PATH={{.SyncPath}}
TEMPLATE_NAME={{.TemplateName}}
CONTAINER_ID={{.ContainerID}}
`))

func renderConfigEnv(cfg config.SyncConfig, job *types.ContainerCreationJob) string {
	var buf bytes.Buffer
	_ = configEnvTemplate.Execute(&buf, struct {
		ConfigRoot   string
		RepoURL      string
		Branch       string
		SyncPath     string
		TemplateName string
		ContainerID  string
	}{configRoot, cfg.RepoURL, cfg.Branch, cfg.Path, job.TemplateID, job.ContainerID})
	return buf.String()
}
