package manager

import (
	"context"
	"sync"

	"corral/internal/audit"
	"corral/internal/instance"
	"corral/internal/registry"
)

// RefreshAll refreshes the cached status of every instance that has a
// container. Runtime queries happen outside the registry lock; results are
// merged in one short critical section. A failed query keeps that instance's
// cached status and does not affect the others.
func (m *Manager) RefreshAll(ctx context.Context) {
	refs := m.registry.Snapshot()
	if len(refs) == 0 {
		return
	}

	results := make([]*registry.StatusUpdate, len(refs))
	slots := make(chan struct{}, m.refreshWorkers)
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		slots <- struct{}{}
		go func(i int, ref registry.Ref) {
			defer wg.Done()
			defer func() { <-slots }()
			results[i] = m.refresh(ctx, ref)
		}(i, ref)
	}
	wg.Wait()

	updates := make([]registry.StatusUpdate, 0, len(results))
	deleted := 0
	for _, u := range results {
		if u == nil {
			continue
		}
		if u.Status == instance.DeletedExternally {
			deleted++
		}
		updates = append(updates, *u)
	}
	m.registry.ApplyStatuses(updates)

	if deleted > 0 {
		m.logger.Printf("status refresh: %d containers deleted externally", deleted)
	}
}

// RefreshOne refreshes a single instance. Instances without a container
// are left alone.
func (m *Manager) RefreshOne(ctx context.Context, id string) {
	inst, ok := m.registry.Get(id)
	if !ok || !inst.HasContainer() {
		return
	}
	if u := m.refresh(ctx, registry.Ref{ID: id, ContainerID: inst.ContainerID}); u != nil {
		m.registry.ApplyStatuses([]registry.StatusUpdate{*u})
	}
}

// refresh queries one container. It returns nil when the cached status
// should be kept.
func (m *Manager) refresh(ctx context.Context, ref registry.Ref) *registry.StatusUpdate {
	status, found, err := m.runtime.RefreshStatus(ctx, ref.ContainerID)
	if err != nil {
		m.logger.Printf("warning: failed to refresh status for %s: %v (using cached)", ref.ID, err)
		m.metrics.IncRefreshErrors()
		return nil
	}
	if !found {
		if prev, ok := m.registry.Get(ref.ID); ok && prev.Status != instance.DeletedExternally {
			m.record(audit.Event{Action: audit.ActionExternalDelete, InstanceID: ref.ID, ContainerID: ref.ContainerID})
		}
		status = instance.DeletedExternally
	}
	return &registry.StatusUpdate{ID: ref.ID, ContainerID: ref.ContainerID, Status: status}
}
