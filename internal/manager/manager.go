// Package manager implements instance lifecycle operations on top of the
// registry and the container runtime.
//
// Every operation follows the same shape: read what it needs from the
// registry, release the lock, talk to the runtime, then lock again briefly
// to commit. The registry lock is never held across runtime or filesystem
// I/O.
package manager

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"corral/internal/audit"
	"corral/internal/instance"
	"corral/internal/metrics"
	"corral/internal/registry"
	"corral/internal/runtime"

	cerrdefs "github.com/containerd/errdefs"
)

// NotCreatedMessage is reported for instances whose container does not
// exist yet.
const NotCreatedMessage = "Container not yet created"

// Config holds manager settings.
type Config struct {
	Image            string
	ContainerPrefix  string
	PayloadMountPath string
	Platform         string

	MaxInstances    int
	DefaultCPULimit float64

	// ProvisionWorkers bounds concurrent background provisioning.
	ProvisionWorkers int
	// RefreshWorkers bounds concurrent status refreshes in List.
	RefreshWorkers int
	// LogTail is the default number of log lines returned by Logs.
	LogTail int

	Logger  *log.Logger
	Audit   *audit.Logger
	Metrics *metrics.Metrics
}

// Manager coordinates instances.
type Manager struct {
	runtime  runtime.Runtime
	registry *registry.Registry
	payloads *instance.PayloadStore

	image            string
	prefix           string
	payloadMountPath string
	platform         string
	logTail          int
	refreshWorkers   int

	limitsMu        sync.RWMutex
	maxInstances    int
	defaultCPULimit float64

	provisionSlots chan struct{}
	inflight       sync.WaitGroup

	// recoveredIDs is nil until a Recover succeeds.
	recoveryMu   sync.Mutex
	recoveredIDs map[string]bool

	logger  *log.Logger
	audit   *audit.Logger
	metrics *metrics.Metrics
}

// New creates a manager.
func New(cfg Config, rt runtime.Runtime, reg *registry.Registry, payloads *instance.PayloadStore) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[manager] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.ProvisionWorkers <= 0 {
		cfg.ProvisionWorkers = 4
	}
	if cfg.RefreshWorkers <= 0 {
		cfg.RefreshWorkers = 8
	}
	if cfg.LogTail <= 0 {
		cfg.LogTail = 100
	}

	return &Manager{
		runtime:          rt,
		registry:         reg,
		payloads:         payloads,
		image:            cfg.Image,
		prefix:           cfg.ContainerPrefix,
		payloadMountPath: cfg.PayloadMountPath,
		platform:         cfg.Platform,
		logTail:          cfg.LogTail,
		refreshWorkers:   cfg.RefreshWorkers,
		maxInstances:     cfg.MaxInstances,
		defaultCPULimit:  cfg.DefaultCPULimit,
		provisionSlots:   make(chan struct{}, cfg.ProvisionWorkers),
		logger:           cfg.Logger,
		audit:            cfg.Audit,
		metrics:          cfg.Metrics,
	}
}

// SetLimits changes the instance ceiling and the default CPU limit. It
// affects only requests accepted afterwards.
func (m *Manager) SetLimits(maxInstances int, defaultCPULimit float64) {
	m.limitsMu.Lock()
	defer m.limitsMu.Unlock()
	if maxInstances != m.maxInstances || defaultCPULimit != m.defaultCPULimit {
		m.logger.Printf("limits updated: max_instances %d -> %d, default_cpulimit %g -> %g",
			m.maxInstances, maxInstances, m.defaultCPULimit, defaultCPULimit)
	}
	m.maxInstances = maxInstances
	m.defaultCPULimit = defaultCPULimit
}

func (m *Manager) limits() (int, float64) {
	m.limitsMu.RLock()
	defer m.limitsMu.RUnlock()
	return m.maxInstances, m.defaultCPULimit
}

// Wait blocks until all background provisioning has finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// ContainerName returns the runtime name of an instance's container.
func (m *Manager) ContainerName(id string) string {
	return m.prefix + id
}

// Ping checks the runtime.
func (m *Manager) Ping(ctx context.Context) error {
	return m.runtime.Ping(ctx)
}

// Get returns one instance after refreshing its status.
func (m *Manager) Get(ctx context.Context, id string) (instance.Instance, error) {
	if _, ok := m.registry.Get(id); !ok {
		return instance.Instance{}, instance.NotFound(id)
	}

	m.RefreshOne(ctx, id)

	inst, ok := m.registry.Get(id)
	if !ok {
		return instance.Instance{}, instance.NotFound(id)
	}
	return inst, nil
}

// List returns every instance after a bulk status refresh.
func (m *Manager) List(ctx context.Context) []instance.Instance {
	m.RefreshAll(ctx)
	return m.registry.List()
}

// Delete removes an instance's container and payload, drops its record
// and returns its ports to the pool.
func (m *Manager) Delete(ctx context.Context, id string) error {
	inst, ok := m.registry.Get(id)
	if !ok {
		return instance.NotFound(id)
	}
	m.logger.Printf("deleting instance %s", id)

	if inst.HasContainer() {
		m.removeContainer(ctx, inst.ContainerID)
	}
	m.payloads.Remove(id)

	removed, ok := m.registry.Remove(id)
	if !ok {
		// A concurrent delete won.
		return instance.NotFound(id)
	}
	// Provisioning may have committed a container between Get and Remove.
	if removed.HasContainer() && removed.ContainerID != inst.ContainerID {
		m.removeContainer(ctx, removed.ContainerID)
	}

	m.record(audit.Event{Action: audit.ActionDelete, InstanceID: id, ContainerID: removed.ContainerID})
	m.logger.Printf("deleted instance %s", id)
	return nil
}

// removeContainer removes a container, tolerating one that is already gone.
func (m *Manager) removeContainer(ctx context.Context, containerID string) {
	if err := m.runtime.RemoveContainer(ctx, containerID); err != nil {
		if cerrdefs.IsNotFound(err) {
			return
		}
		m.logger.Printf("warning: failed to remove container %s: %v", containerID, err)
	}
}

// Stop stops a running instance. Stopping a stopped instance is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) (instance.Status, error) {
	inst, err := m.withContainer(id)
	if err != nil {
		return instance.Status{}, err
	}
	if inst.Status == instance.Stopped {
		return inst.Status, nil
	}

	m.logger.Printf("stopping instance %s", id)
	if err := m.runtime.StopContainer(ctx, inst.ContainerID); err != nil {
		return instance.Status{}, wrapRuntime("stop container", err)
	}
	return m.commitStatus(id, instance.Stopped, audit.ActionStop)
}

// Start starts a stopped instance. Starting a running instance is a no-op.
func (m *Manager) Start(ctx context.Context, id string) (instance.Status, error) {
	inst, ok := m.registry.Get(id)
	if !ok {
		return instance.Status{}, instance.NotFound(id)
	}
	if inst.Status == instance.Running {
		return inst.Status, nil
	}
	if !inst.HasContainer() {
		return instance.Status{}, instance.Internal(NotCreatedMessage, nil)
	}

	m.logger.Printf("starting instance %s", id)
	if err := m.runtime.StartContainer(ctx, inst.ContainerID); err != nil {
		return instance.Status{}, wrapRuntime("start container", err)
	}
	return m.commitStatus(id, instance.Running, audit.ActionStart)
}

// Restart restarts an instance's container.
func (m *Manager) Restart(ctx context.Context, id string) (instance.Status, error) {
	inst, err := m.withContainer(id)
	if err != nil {
		return instance.Status{}, err
	}

	m.logger.Printf("restarting instance %s", id)
	if err := m.runtime.RestartContainer(ctx, inst.ContainerID); err != nil {
		return instance.Status{}, wrapRuntime("restart container", err)
	}
	return m.commitStatus(id, instance.Running, audit.ActionRestart)
}

// Logs returns the last tail lines of an instance's output. A tail of zero
// or less uses the configured default.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	inst, ok := m.registry.Get(id)
	if !ok {
		return "", instance.NotFound(id)
	}
	if !inst.HasContainer() {
		return NotCreatedMessage, nil
	}
	if tail <= 0 {
		tail = m.logTail
	}

	logs, err := m.runtime.Logs(ctx, inst.ContainerID, tail)
	if err != nil {
		return "", wrapRuntime("get logs", err)
	}
	return logs, nil
}

// HasContainer reports whether an instance exists and has a container.
func (m *Manager) HasContainer(id string) (bool, error) {
	inst, ok := m.registry.Get(id)
	if !ok {
		return false, instance.NotFound(id)
	}
	return inst.HasContainer(), nil
}

func (m *Manager) withContainer(id string) (instance.Instance, error) {
	inst, ok := m.registry.Get(id)
	if !ok {
		return instance.Instance{}, instance.NotFound(id)
	}
	if !inst.HasContainer() {
		return instance.Instance{}, instance.Internal(NotCreatedMessage, nil)
	}
	return inst, nil
}

func (m *Manager) commitStatus(id string, status instance.Status, action string) (instance.Status, error) {
	if !m.registry.SetStatus(id, status) {
		return instance.Status{}, instance.NotFound(id)
	}
	m.record(audit.Event{Action: action, InstanceID: id, Status: status.String()})
	return status, nil
}

func (m *Manager) record(ev audit.Event) {
	if err := m.audit.Log(ev); err != nil {
		m.logger.Printf("warning: audit: %v", err)
	}
}

// wrapRuntime keeps RuntimeUnavailable and NotFound classifications and
// turns anything else into an internal error.
func wrapRuntime(op string, err error) error {
	switch {
	case instance.KindOf(err) != instance.KindInternal:
		return err
	case cerrdefs.IsNotFound(err):
		return instance.Internal(fmt.Sprintf("%s: container missing", op), err)
	default:
		return instance.Internal(op, err)
	}
}
