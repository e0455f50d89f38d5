// Package runtime talks to the container engine that hosts instances.
//
// Runtime reports what the engine says. Compensation and status merging
// happen in the manager.
package runtime

import (
	"context"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"
)

// Internal container ports. The host side of each binding comes from the
// instance's port triplet.
const (
	InternalRDPPort     = "3389/tcp"
	InternalConsolePort = "8080/tcp"
	InternalXpraPort    = "14500/tcp"
)

// Container labels written at creation and read back during recovery.
const (
	LabelManaged    = "corral.managed"
	LabelInstanceID = "corral.instance-id"
	LabelCPULimit   = "corral.cpulimit"
)

// Runtime is the set of container engine operations the manager needs.
type Runtime interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	// EnsureImage pulls ref unless it is already present locally.
	EnsureImage(ctx context.Context, ref string) error

	// CreateContainer creates (but does not start) a container and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes a container along with its volumes.
	RemoveContainer(ctx context.Context, id string) error

	// Logs returns the last tail lines of combined stdout and stderr.
	Logs(ctx context.Context, id string, tail int) (string, error)

	// ListWithPrefix returns containers in any state whose name starts with prefix.
	ListWithPrefix(ctx context.Context, prefix string) ([]ContainerSummary, error)

	// InspectForRecovery reads back everything needed to rebuild an instance.
	InspectForRecovery(ctx context.Context, id string) (*RecoveredContainer, error)

	// RefreshStatus returns the current status of a container. found is false
	// (with a nil error) when the container no longer exists.
	RefreshStatus(ctx context.Context, id string) (status instance.Status, found bool, err error)
}

// ContainerSpec describes a container to create for an instance.
type ContainerSpec struct {
	Name       string
	InstanceID string
	Image      string
	Platform   string // "os/arch", empty for the engine default
	Ports      ports.Triplet

	// PayloadPath is the host file bind-mounted read-only at PayloadMountPath.
	PayloadPath      string
	PayloadMountPath string

	// Config must already carry the effective CPU limit.
	Config instance.Config
}

// Env returns the container environment.
func (s ContainerSpec) Env() []string {
	env := []string{"RDP_SERVER=yes", "XPRA_SERVER=yes"}
	if s.Config.RDPPassword != nil && *s.Config.RDPPassword != "" {
		env = append(env, "RDP_PASSWORD="+*s.Config.RDPPassword)
	}
	if s.Config.WineDebugLevel != nil && *s.Config.WineDebugLevel != "" {
		env = append(env, "WINEDEBUG="+*s.Config.WineDebugLevel)
	}
	return env
}

// ContainerSummary is one entry of a container listing.
type ContainerSummary struct {
	ID    string
	Name  string // without the leading slash
	State string
}

// RecoveredContainer is what recovery learns from inspecting a container.
type RecoveredContainer struct {
	ContainerID string
	Ports       ports.Triplet
	Status      instance.Status
	CreatedAt   time.Time
	Config      instance.Config
}

// StatusFromState maps an engine state string to an instance status.
func StatusFromState(state string) instance.Status {
	switch state {
	case "running":
		return instance.Running
	case "exited", "paused":
		return instance.Stopped
	case "created":
		return instance.Creating
	default:
		return instance.Failed(state)
	}
}
