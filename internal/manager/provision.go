package manager

import (
	"context"
	"fmt"
	"time"

	"corral/internal/audit"
	"corral/internal/instance"
	"corral/internal/ports"
	"corral/internal/runtime"
)

// Create registers a new instance and starts provisioning it in the
// background. The returned instance is in the Creating state.
//
// Nothing is left behind when Create fails: ports are released and the
// payload file is removed before the error is returned.
func (m *Manager) Create(ctx context.Context, payload string, cfg instance.Config) (instance.Instance, error) {
	id := instance.NewID()

	// Claim ports first so an exhausted pool fails fast.
	triplet, err := m.registry.AllocatePorts()
	if err != nil {
		return instance.Instance{}, instance.PortsExhausted(err)
	}

	data, err := instance.DecodePayload(payload)
	if err != nil {
		m.registry.ReleasePorts(triplet)
		return instance.Instance{}, err
	}

	payloadPath, err := m.payloads.Write(id, data)
	if err != nil {
		m.registry.ReleasePorts(triplet)
		return instance.Instance{}, instance.Internal("write payload", err)
	}

	inst := instance.Instance{
		ID:        id,
		Ports:     triplet,
		Status:    instance.Creating,
		CreatedAt: time.Now().UTC(),
		Config:    cfg,
	}

	// The ceiling is checked only after validation, and atomically with
	// the insert.
	maxInstances, _ := m.limits()
	if err := m.registry.Insert(inst, maxInstances); err != nil {
		m.registry.ReleasePorts(triplet)
		m.payloads.Remove(id)
		return instance.Instance{}, err
	}

	m.logger.Printf("creating instance %s (rdp=%d console=%d xpra=%d)", id, triplet.RDP, triplet.Console, triplet.Xpra)
	m.record(audit.Event{Action: audit.ActionCreate, InstanceID: id, Status: inst.Status.String()})

	m.inflight.Add(1)
	go m.provision(id, triplet, payloadPath, cfg, time.Now())

	return inst, nil
}

// provision runs detached from the request that created the instance and
// always runs to completion.
func (m *Manager) provision(id string, triplet ports.Triplet, payloadPath string, cfg instance.Config, accepted time.Time) {
	defer m.inflight.Done()

	m.provisionSlots <- struct{}{}
	defer func() { <-m.provisionSlots }()

	ctx := context.Background()
	containerID, err := m.provisionContainer(ctx, id, triplet, payloadPath, cfg)
	m.finishProvision(ctx, id, containerID, err, accepted)
}

// provisionContainer creates and starts the container. If start fails the
// container it just created is removed again, so on error there is never a
// container to clean up.
func (m *Manager) provisionContainer(ctx context.Context, id string, triplet ports.Triplet, payloadPath string, cfg instance.Config) (string, error) {
	if err := m.runtime.EnsureImage(ctx, m.image); err != nil {
		return "", fmt.Errorf("pull image %s: %w", m.image, err)
	}

	_, defaultCPU := m.limits()
	spec := runtime.ContainerSpec{
		Name:             m.ContainerName(id),
		InstanceID:       id,
		Image:            m.image,
		Platform:         m.platform,
		Ports:            triplet,
		PayloadPath:      payloadPath,
		PayloadMountPath: m.payloadMountPath,
		Config:           cfg.WithDefaultCPU(defaultCPU),
	}

	containerID, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	m.logger.Printf("created container %s for instance %s", containerID, id)

	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		m.logger.Printf("failed to start container %s: %v", containerID, err)
		if rmErr := m.runtime.RemoveContainer(ctx, containerID); rmErr != nil {
			m.logger.Printf("warning: failed to clean up container %s: %v", containerID, rmErr)
		} else {
			m.logger.Printf("cleaned up failed container %s", containerID)
		}
		return "", fmt.Errorf("start container: %w", err)
	}

	m.logger.Printf("started container %s for instance %s", containerID, id)
	return containerID, nil
}

// finishProvision applies the outcome of provisioning. It is the only place
// that compensates for a failed attempt.
func (m *Manager) finishProvision(ctx context.Context, id, containerID string, err error, accepted time.Time) {
	elapsed := time.Since(accepted)

	if err != nil {
		m.logger.Printf("failed to provision instance %s: %v", id, err)
		m.payloads.Remove(id)
		if !m.registry.MarkFailed(id, err.Error()) {
			m.logger.Printf("instance %s was deleted during provisioning", id)
		}
		m.metrics.ObserveProvision(false, elapsed)
		m.record(audit.Event{Action: audit.ActionProvisionFail, InstanceID: id, Error: err.Error()})
		return
	}

	if !m.registry.CommitProvisioned(id, containerID) {
		// Deleted while we were working: the container and payload are ours
		// to clean up.
		m.logger.Printf("instance %s was deleted during provisioning, removing container %s", id, containerID)
		m.removeContainer(ctx, containerID)
		m.payloads.Remove(id)
		m.metrics.ObserveProvision(false, elapsed)
		return
	}

	m.logger.Printf("instance %s running (%s)", id, elapsed.Round(time.Millisecond))
	m.metrics.ObserveProvision(true, elapsed)
	m.record(audit.Event{
		Action:      audit.ActionProvisioned,
		InstanceID:  id,
		ContainerID: containerID,
		Status:      instance.Running.String(),
	})
}
