// Package types defines the core data structures shared across the
// provisioning engine: templates read from the catalog, the job payload
// that drives a single provisioning run, and the mutable records the
// orchestrator owns.
package types

import "time"

// PackageManager identifies a package ecosystem a Package targets.
type PackageManager string

const (
	ManagerAPT    PackageManager = "apt"
	ManagerAPK    PackageManager = "apk"
	ManagerDNF    PackageManager = "dnf"
	ManagerNPM    PackageManager = "npm"
	ManagerPIP    PackageManager = "pip"
	ManagerCustom PackageManager = "custom"
)

// Package is one package-manager entry in a Template.
type Package struct {
	Name    string         `json:"name" yaml:"name"`
	Manager PackageManager `json:"manager" yaml:"manager"`
	Version string         `json:"version,omitempty" yaml:"version,omitempty"`
}

// Script is one ordered setup script in a Template.
type Script struct {
	Name        string `json:"name" yaml:"name"`
	Order       int    `json:"order" yaml:"order"`
	Content     string `json:"content" yaml:"content"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// FilePolicy controls how a ManagedFile is applied against an existing
// destination.
type FilePolicy string

const (
	FilePolicyReplace FilePolicy = "replace"
	FilePolicyDefault FilePolicy = "default"
	FilePolicyBackup  FilePolicy = "backup"
)

// ManagedFile is one file a Template deploys into the container.
type ManagedFile struct {
	Name       string     `json:"name" yaml:"name"`
	TargetPath string     `json:"targetPath" yaml:"targetPath"`
	Policy     FilePolicy `json:"policy" yaml:"policy"`
	Content    string     `json:"content" yaml:"content"`
}

// ResourceDefaults are the LXC resource settings a Template proposes.
type ResourceDefaults struct {
	Cores    int    `json:"cores" yaml:"cores"`
	MemoryMB int    `json:"memoryMB" yaml:"memoryMB"`
	SwapMB   int    `json:"swapMB" yaml:"swapMB"`
	DiskGB   int    `json:"diskGB" yaml:"diskGB"`
	Storage  string `json:"storage" yaml:"storage"`
	Bridge   string `json:"bridge" yaml:"bridge"`
}

// SecurityFlags map onto PVE LXC "features" flags.
type SecurityFlags struct {
	Unprivileged bool `json:"unprivileged" yaml:"unprivileged"`
	Nesting      bool `json:"nesting" yaml:"nesting"`
	Keyctl       bool `json:"keyctl" yaml:"keyctl"`
	Fuse         bool `json:"fuse" yaml:"fuse"`
}

// Template is the read-only catalog record describing desired container
// state. It is never mutated by the core.
type Template struct {
	ID               string            `json:"id" yaml:"id"`
	Name             string            `json:"name" yaml:"name"`
	OSHint           string            `json:"osHint" yaml:"osHint"`
	ResourceDefaults ResourceDefaults  `json:"resourceDefaults" yaml:"resourceDefaults"`
	SecurityFlags    SecurityFlags     `json:"securityFlags" yaml:"securityFlags"`
	Tags             []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Packages         []Package         `json:"packages" yaml:"packages"`
	Scripts          []Script          `json:"scripts" yaml:"scripts"`
	Files            []ManagedFile     `json:"files" yaml:"files"`
}

// Lifecycle is the persisted state of a Container record.
type Lifecycle string

const (
	LifecyclePending    Lifecycle = "pending"
	LifecycleCreating   Lifecycle = "creating"
	LifecycleStarting   Lifecycle = "starting"
	LifecycleDeploying  Lifecycle = "deploying"
	LifecycleSyncing    Lifecycle = "syncing"
	LifecycleFinalizing Lifecycle = "finalizing"
	LifecycleReady      Lifecycle = "ready"
	LifecycleError      Lifecycle = "error"
)

// lifecycleOrder gives each non-terminal lifecycle value a rank so
// transitions can be checked for monotonicity.
var lifecycleOrder = map[Lifecycle]int{
	LifecyclePending:    0,
	LifecycleCreating:   1,
	LifecycleStarting:   2,
	LifecycleDeploying:  3,
	LifecycleSyncing:    4,
	LifecycleFinalizing: 5,
	LifecycleReady:      6,
}

// CanTransition reports whether moving from "from" to "to" is allowed.
// Lifecycle is monotonic except that any state may move to Error, which
// is terminal until an operator resets it back to Pending.
func CanTransition(from, to Lifecycle) bool {
	if to == LifecycleError {
		return from != LifecycleError
	}
	if from == LifecycleError {
		return to == LifecyclePending
	}
	fromRank, ok1 := lifecycleOrder[from]
	toRank, ok2 := lifecycleOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return toRank == fromRank+1
}

// Container is the orchestrator's mutable record of a provisioning target.
type Container struct {
	ID                    string    `json:"id"`
	VMID                  int       `json:"vmid"`
	NodeName              string    `json:"nodeName"`
	TemplateID            string    `json:"templateId,omitempty"`
	Lifecycle             Lifecycle `json:"lifecycle"`
	CreatedAt             time.Time `json:"createdAt"`
	RootPasswordEncrypted []byte    `json:"rootPasswordEncrypted,omitempty"`
	IPAddress             string    `json:"ipAddress,omitempty"`
	ErrorReason           string    `json:"errorReason,omitempty"`
}

// ContainerServiceStatus is the post-discovery health label of a service.
type ContainerServiceStatus string

const (
	ServiceStatusRunning ContainerServiceStatus = "running"
	ServiceStatusDown    ContainerServiceStatus = "down"
	ServiceStatusUnknown ContainerServiceStatus = "unknown"
)

// ContainerService is a discovered or credentialed service running inside
// a provisioned container.
type ContainerService struct {
	ContainerID          string                 `json:"containerId"`
	Name                 string                 `json:"name"`
	Type                 string                 `json:"type"`
	Port                 int                    `json:"port,omitempty"`
	WebURL               string                 `json:"webUrl,omitempty"`
	Status               ContainerServiceStatus `json:"status"`
	CredentialsEncrypted []byte                 `json:"credentialsEncrypted,omitempty"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// ProgressEventType identifies the kind of a ProgressEvent.
type ProgressEventType string

const (
	ProgressStep     ProgressEventType = "step"
	ProgressLog      ProgressEventType = "log"
	ProgressComplete ProgressEventType = "complete"
	ProgressError    ProgressEventType = "error"
)

// ProgressEvent is a structured record published as a job progresses.
type ProgressEvent struct {
	ContainerID string            `json:"containerId"`
	Type        ProgressEventType `json:"type"`
	Step        string            `json:"step,omitempty"`
	Percent     *int              `json:"percent,omitempty"`
	Message     string            `json:"message"`
	Timestamp   time.Time         `json:"timestamp"`
}

// ScriptConfig describes one script selected in a job payload, overriding
// the template's enabled flag per wizard selection.
type ScriptConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Order   int    `json:"order"`
}

// JobConfig is the container-creation parameters of a ContainerCreationJob.
type JobConfig struct {
	Hostname      string `json:"hostname"`
	VMID          int    `json:"vmid"`
	MemoryMB      int    `json:"memoryMB"`
	SwapMB        int    `json:"swapMB"`
	Cores         int    `json:"cores"`
	DiskGB        int    `json:"diskGB"`
	Storage       string `json:"storage"`
	Bridge        string `json:"bridge"`
	IPConfig      string `json:"ipConfig"`
	Nameserver    string `json:"nameserver,omitempty"`
	RootPassword  string `json:"rootPassword"`
	SSHPublicKey  string `json:"sshPublicKey,omitempty"`
	Unprivileged  bool   `json:"unprivileged"`
	Nesting       bool   `json:"nesting"`
	OSTemplate    string `json:"ostemplate"`
	Tags          string `json:"tags,omitempty"`
}

// ContainerCreationJob is the durable queue payload that drives one
// provisioning run end to end.
type ContainerCreationJob struct {
	ContainerID        string         `json:"containerId"`
	NodeName           string         `json:"nodeName"`
	TemplateID         string         `json:"templateId,omitempty"`
	Config             JobConfig      `json:"config"`
	EnabledBuckets     []string       `json:"enabledBuckets,omitempty"`
	AdditionalPackages []string       `json:"additionalPackages,omitempty"`
	Scripts            []ScriptConfig `json:"scripts,omitempty"`
}
