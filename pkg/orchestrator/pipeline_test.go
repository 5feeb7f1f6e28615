package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrahaus/provisioner/pkg/config"
	"github.com/infrahaus/provisioner/pkg/events"
	"github.com/infrahaus/provisioner/pkg/pve"
	"github.com/infrahaus/provisioner/pkg/security"
	"github.com/infrahaus/provisioner/pkg/storage"
	"github.com/infrahaus/provisioner/pkg/types"
)

func newTestPipeline(t *testing.T, pveClient *fakePVEClient, store storage.Store) *Pipeline {
	t.Helper()
	return newTestPipelineWithTemplates(t, pveClient, store, nil)
}

func newTestPipelineWithTemplates(t *testing.T, pveClient *fakePVEClient, store storage.Store, templates TemplateProvider) *Pipeline {
	t.Helper()
	vault, err := security.NewVault(security.DeriveKeyFromSeed("test-seed"))
	require.NoError(t, err)
	progress := NewProgressSink(store, events.NewBroker(), nil)
	return NewPipeline(pveClient, store, progress, vault, templates, config.SyncConfig{})
}

// fakeTemplateProvider resolves a single, fixed template regardless of
// the requested ID, enough to exercise p4Sync's script loop.
type fakeTemplateProvider struct {
	template *types.Template
}

func (f *fakeTemplateProvider) Get(ctx context.Context, templateID string) (*types.Template, error) {
	return f.template, nil
}

func testJob() *types.ContainerCreationJob {
	return &types.ContainerCreationJob{
		ContainerID: "c-1",
		NodeName:    "pve1",
		Config: types.JobConfig{
			Hostname:   "web-1",
			VMID:       101,
			MemoryMB:   512,
			Cores:      1,
			DiskGB:     8,
			Storage:    "local-lvm",
			Bridge:     "vmbr0",
			OSTemplate: "local:vztmpl/debian-12.tar.zst",
		},
	}
}

// Full happy-path run should carry the container from pending through
// every phase to ready, with a monotonically non-decreasing percent on
// every step event.
func TestPipelineRunHappyPathReachesReady(t *testing.T) {
	pveClient := &fakePVEClient{}
	store := newFakeStore()
	pipeline := newTestPipeline(t, pveClient, store)

	err := pipeline.Run(context.Background(), testJob(), NewCancelToken())
	require.NoError(t, err)

	container, err := store.GetContainer("c-1")
	require.NoError(t, err)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleReady, container.Lifecycle)

	lastPercent := -1
	for _, e := range store.events["c-1"] {
		if e.Percent == nil {
			continue
		}
		assert.GreaterOrEqual(t, *e.Percent, lastPercent, "percent must never regress across a job")
		lastPercent = *e.Percent
	}
	assert.Equal(t, 100, lastPercent)
}

// A token cancelled before the pipeline starts must abort before any PVE
// call is made and leave the container in the error lifecycle.
func TestPipelineRunCancelledBeforeStartNeverCallsCreate(t *testing.T) {
	pveClient := &fakePVEClient{}
	store := newFakeStore()
	pipeline := newTestPipeline(t, pveClient, store)

	token := NewCancelToken()
	token.Cancel("operator requested cancellation")

	err := pipeline.Run(context.Background(), testJob(), token)
	require.Error(t, err)

	assert.Equal(t, 0, pveClient.createCalls)

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleError, container.Lifecycle)
	assert.Contains(t, container.ErrorReason, "cancelled")
}

// A failing remote command during deploy is fatal: the container ends
// in the error lifecycle and Run returns a non-nil error.
func TestPipelineRunDeployFailureIsFatal(t *testing.T) {
	pveClient := &fakePVEClient{failFromCall: 2}
	store := newFakeStore()
	pipeline := newTestPipeline(t, pveClient, store)

	err := pipeline.Run(context.Background(), testJob(), NewCancelToken())
	require.Error(t, err)

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleError, container.Lifecycle)
}

// cancelAfterStore wraps a fakeStore and cancels token the first time a
// container is persisted in the given lifecycle, simulating an operator
// cancel request arriving mid-pipeline. Cancellation is only checked
// between phases, so a cancel issued during deploy takes effect before
// the sync phase (and its in-container script run) ever starts.
type cancelAfterStore struct {
	*fakeStore
	cancelOn types.Lifecycle
	token    *CancelToken
}

func (s *cancelAfterStore) UpdateContainer(c *types.Container) error {
	if c.Lifecycle == s.cancelOn {
		s.token.Cancel("cancelled")
	}
	return s.fakeStore.UpdateContainer(c)
}

func TestPipelineRunCancelledDuringDeployStopsBeforeSync(t *testing.T) {
	pveClient := &fakePVEClient{}
	token := NewCancelToken()
	store := &cancelAfterStore{fakeStore: newFakeStore(), cancelOn: types.LifecycleDeploying, token: token}
	pipeline := newTestPipeline(t, pveClient, store)

	err := pipeline.Run(context.Background(), testJob(), token)
	require.Error(t, err)

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleError, container.Lifecycle)
	assert.Contains(t, container.ErrorReason, "cancelled")

	// p2Start's readiness probe (1 call) plus p3Deploy's mkdir x3,
	// config.env/sync.sh/unit uploads (3), daemon-reload, and enable (9
	// calls total) ran to completion, since deploy had already persisted
	// before the cancel took effect. Sync never started: if it had, the
	// "systemctl start config-manager.service" call would push this to
	// 10.
	assert.Equal(t, 9, pveClient.execCalls)
}

func TestSelectedTemplateScriptsJobOverridesTemplateDefault(t *testing.T) {
	templateScripts := []types.Script{
		{Name: "base", Order: 10, Enabled: true},
		{Name: "optional", Order: 20, Enabled: false},
		{Name: "always-off", Order: 30, Enabled: true},
	}
	jobScripts := []types.ScriptConfig{
		{Name: "optional", Enabled: true},
		{Name: "always-off", Enabled: false},
	}

	selected := selectedTemplateScripts(templateScripts, jobScripts)

	var names []string
	for _, s := range selected {
		names = append(names, s.Name)
	}
	assert.ElementsMatch(t, []string{"base", "optional"}, names)
}

// The initial configuration-manager sync triggered at the top of P4 is
// best-effort: its failure must not abort the job.
func TestPipelineRunInitialSyncFailureIsNonFatal(t *testing.T) {
	// Calls 1-9 are p2Start's readiness probe plus p3Deploy's mkdir x3,
	// config.env/sync.sh/unit uploads, daemon-reload, and enable. Call 10
	// is the "systemctl start config-manager.service" that opens P4.
	pveClient := &fakePVEClient{failExactCall: 10}
	store := newFakeStore()
	pipeline := newTestPipeline(t, pveClient, store)

	err := pipeline.Run(context.Background(), testJob(), NewCancelToken())
	require.NoError(t, err)

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleReady, container.Lifecycle)
}

func jobWithOneScript() (*types.ContainerCreationJob, TemplateProvider) {
	job := testJob()
	job.TemplateID = "tmpl-1"
	templates := &fakeTemplateProvider{template: &types.Template{
		ID: "tmpl-1",
		Scripts: []types.Script{
			{Name: "setup", Order: 10, Content: "#!/bin/sh\necho hi\n", Enabled: true},
		},
	}}
	return job, templates
}

// A failing template script is fatal, and the returned error names it.
func TestPipelineRunScriptFailureIsFatalAndNamesScript(t *testing.T) {
	job, templates := jobWithOneScript()
	// Deploy uploads the script once (call 10) and the manifest (call
	// 11), so P4's "systemctl start" is call 12, the script's own
	// upload is call 13, and its execution is call 14.
	pveClient := &fakePVEClient{failExactCall: 14}
	store := newFakeStore()
	pipeline := newTestPipelineWithTemplates(t, pveClient, store, templates)

	err := pipeline.Run(context.Background(), job, NewCancelToken())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup")

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleError, container.Lifecycle)
}

// The happy path with a template runs its scripts and apportions
// percent uniformly across 65..90.
func TestPipelineRunScriptsApportionPercentInto65To90(t *testing.T) {
	job := testJob()
	job.TemplateID = "tmpl-1"
	templates := &fakeTemplateProvider{template: &types.Template{
		ID: "tmpl-1",
		Scripts: []types.Script{
			{Name: "first", Order: 10, Content: "#!/bin/sh\n", Enabled: true},
			{Name: "second", Order: 20, Content: "#!/bin/sh\n", Enabled: true},
		},
	}}
	pveClient := &fakePVEClient{}
	store := newFakeStore()
	pipeline := newTestPipelineWithTemplates(t, pveClient, store, templates)

	err := pipeline.Run(context.Background(), job, NewCancelToken())
	require.NoError(t, err)

	var syncPercents []int
	for _, e := range store.events["c-1"] {
		if e.Step == "syncing" && e.Percent != nil {
			syncPercents = append(syncPercents, *e.Percent)
		}
	}
	require.NotEmpty(t, syncPercents)
	for _, p := range syncPercents {
		assert.GreaterOrEqual(t, p, 60)
		assert.LessOrEqual(t, p, 90)
	}
	assert.Equal(t, 90, syncPercents[len(syncPercents)-1])
}

// cancelAfterNCallsPVEClient wraps fakePVEClient and cancels token the
// instant its Exec call count reaches cancelOnCall, synchronously within
// Exec itself so the test has no race against the pipeline goroutine.
type cancelAfterNCallsPVEClient struct {
	*fakePVEClient
	cancelOnCall int
	token        *CancelToken
}

func (c *cancelAfterNCallsPVEClient) Exec(ctx context.Context, node string, vmid int, command []string) (<-chan pve.ExecResult, error) {
	out, err := c.fakePVEClient.Exec(ctx, node, vmid, command)
	c.mu.Lock()
	calls := c.execCalls
	c.mu.Unlock()
	if calls >= c.cancelOnCall {
		c.token.Cancel("operator requested cancellation")
	}
	return out, err
}

// A cancellation requested while the first of several scripts is
// running must stop the remaining scripts from ever executing.
func TestPipelineRunCancelledMidScriptsStopsRemainingScripts(t *testing.T) {
	job := testJob()
	job.TemplateID = "tmpl-1"
	templates := &fakeTemplateProvider{template: &types.Template{
		ID: "tmpl-1",
		Scripts: []types.Script{
			{Name: "first", Order: 10, Content: "#!/bin/sh\n", Enabled: true},
			{Name: "second", Order: 20, Content: "#!/bin/sh\n", Enabled: true},
			{Name: "third", Order: 30, Content: "#!/bin/sh\n", Enabled: true},
		},
	}}
	token := NewCancelToken()
	inner := &fakePVEClient{}
	// Deploy (9 calls) + per-script upload/manifest uploads during P3 (3
	// scripts + 1 manifest = 4 calls) bring P3 to call 13; P4's
	// "systemctl start" is call 14, "first"'s upload is call 15, its
	// execution is call 16, and its cleanup "rm -f" is call 17. Cancel
	// once "first" has fully run so the token is observed before
	// "second" starts.
	pveClient := &cancelAfterNCallsPVEClient{fakePVEClient: inner, cancelOnCall: 17, token: token}
	store := newFakeStore()
	pipeline := newTestPipelineWithTemplates(t, pveClient.fakePVEClient, store, templates)
	pipeline.pve = pveClient

	err := pipeline.Run(context.Background(), job, token)
	require.Error(t, err)

	container, getErr := store.GetContainer("c-1")
	require.NoError(t, getErr)
	require.NotNil(t, container)
	assert.Equal(t, types.LifecycleError, container.Lifecycle)
	assert.Contains(t, container.ErrorReason, "cancelled")

	// "second" and "third" must never have been uploaded or run.
	assert.Equal(t, 17, pveClient.execCalls)
}

func TestBuildPackageFilesGroupsByManagerAndPinsVersion(t *testing.T) {
	files := buildPackageFiles([]types.Package{
		{Name: "curl", Manager: types.ManagerAPT},
		{Name: "nginx", Manager: types.ManagerAPT, Version: "1.24.0"},
		{Name: "requests", Manager: types.ManagerPIP, Version: "2.31.0"},
	})

	assert.Equal(t, "curl\nnginx=1.24.0\n", files[types.ManagerAPT])
	assert.Equal(t, "requests=2.31.0\n", files[types.ManagerPIP])
}
