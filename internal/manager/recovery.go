package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"corral/internal/audit"
	"corral/internal/instance"
)

// SkippedContainer is a container recovery could not adopt.
type SkippedContainer struct {
	Name        string
	ContainerID string
	Reason      string
}

// RecoveryReport summarizes a recovery scan.
type RecoveryReport struct {
	Recovered int
	Skipped   []SkippedContainer
	// Seen holds the instance ID of every listed container whose name
	// carries one, adopted or skipped.
	Seen map[string]bool
}

// ErrNoRecovery is returned by CleanOrphanedPayloads when no recovery scan
// has succeeded, so it is unknown which payloads live containers mount.
var ErrNoRecovery = errors.New("payload sweep needs a successful recovery scan")

// Recover rebuilds the registry from the containers the runtime already
// has. Problems with individual containers are logged and reported as
// skipped; only a failure to list containers at all is returned as an error.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	report := RecoveryReport{Seen: make(map[string]bool)}

	containers, err := m.runtime.ListWithPrefix(ctx, m.prefix)
	if err != nil {
		m.recoveryMu.Lock()
		m.recoveredIDs = nil
		m.recoveryMu.Unlock()
		return report, fmt.Errorf("list containers: %w", err)
	}
	m.logger.Printf("recovery: found %d containers with prefix %q", len(containers), m.prefix)

	skip := func(name, containerID, reason string) {
		m.logger.Printf("recovery: skipping %s: %s", name, reason)
		report.Skipped = append(report.Skipped, SkippedContainer{Name: name, ContainerID: containerID, Reason: reason})
		m.record(audit.Event{Action: audit.ActionRecoverSkip, ContainerID: containerID, Error: reason})
	}

	for _, c := range containers {
		id := strings.TrimPrefix(c.Name, m.prefix)
		if !instance.ValidID(id) {
			skip(c.Name, c.ID, "name does not carry a valid instance ID")
			continue
		}
		report.Seen[id] = true

		rc, err := m.runtime.InspectForRecovery(ctx, c.ID)
		if err != nil {
			skip(c.Name, c.ID, fmt.Sprintf("inspect failed: %v", err))
			continue
		}

		inst := instance.Instance{
			ID:          id,
			ContainerID: rc.ContainerID,
			Ports:       rc.Ports,
			Status:      rc.Status,
			CreatedAt:   rc.CreatedAt,
			Config:      rc.Config,
		}
		if err := m.registry.Restore(inst); err != nil {
			skip(c.Name, c.ID, fmt.Sprintf("cannot register ports: %v", err))
			continue
		}

		report.Recovered++
		m.logger.Printf("recovery: restored instance %s (%s, rdp=%d console=%d xpra=%d)",
			id, inst.Status, inst.Ports.RDP, inst.Ports.Console, inst.Ports.Xpra)
		m.record(audit.Event{Action: audit.ActionRecover, InstanceID: id, ContainerID: inst.ContainerID, Status: inst.Status.String()})
	}

	m.metrics.AddRecoverySkipped(len(report.Skipped))

	m.recoveryMu.Lock()
	m.recoveredIDs = report.Seen
	m.recoveryMu.Unlock()
	return report, nil
}

// CleanOrphanedPayloads removes payload files that belong neither to a
// registered instance nor to any container seen by the last successful
// Recover. Skipped containers still mount their payloads.
func (m *Manager) CleanOrphanedPayloads() (int, error) {
	m.recoveryMu.Lock()
	seen := m.recoveredIDs
	m.recoveryMu.Unlock()
	if seen == nil {
		return 0, ErrNoRecovery
	}

	known := make(map[string]bool, len(seen))
	for id := range seen {
		known[id] = true
	}
	for _, id := range m.registry.IDs() {
		known[id] = true
	}
	return m.payloads.CleanOrphans(known)
}
