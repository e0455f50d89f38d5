// Package registry holds the authoritative in-memory set of instances
// together with the port pool, under a single lock.
package registry

import (
	"sort"
	"sync"

	"corral/internal/instance"
	"corral/internal/ports"
)

type record struct {
	inst instance.Instance

	// portsHeld is true while the record's triplet is allocated in the
	// pool. It makes release happen exactly once, whichever of MarkFailed
	// or Remove runs first.
	portsHeld bool
}

// Registry is safe for concurrent use. No method performs I/O, so the lock
// is never held across a runtime call.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*record
	pool      *ports.Pool
}

// New creates an empty registry over pool.
func New(pool *ports.Pool) *Registry {
	return &Registry{
		instances: make(map[string]*record),
		pool:      pool,
	}
}

// Ref pairs an instance ID with its container ID.
type Ref struct {
	ID          string
	ContainerID string
}

// StatusUpdate is the outcome of refreshing one container.
type StatusUpdate struct {
	ID          string
	ContainerID string // the container the status was read from
	Status      instance.Status
}

// AllocatePorts claims a triplet for an instance that is not inserted yet.
func (r *Registry) AllocatePorts() (ports.Triplet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool.AllocateTriplet()
}

// ReleasePorts returns a triplet obtained from AllocatePorts that was never
// attached to an inserted record.
func (r *Registry) ReleasePorts(t ports.Triplet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool.ReleaseTriplet(t)
}

// Insert adds a new instance whose ports were claimed with AllocatePorts.
// The ceiling check and the insertion happen under one lock, so concurrent
// creations can never exceed maxInstances.
func (r *Registry) Insert(inst instance.Instance, maxInstances int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if maxInstances > 0 && len(r.instances) >= maxInstances {
		return instance.MaxInstancesReached(maxInstances)
	}
	if _, exists := r.instances[inst.ID]; exists {
		return instance.Internal("instance already exists: "+inst.ID, nil)
	}
	r.instances[inst.ID] = &record{inst: inst, portsHeld: true}
	return nil
}

// Restore inserts a recovered instance, registering its ports in the pool.
// Nothing changes if any port is out of range or already held.
func (r *Registry) Restore(inst instance.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.ID]; exists {
		return instance.Internal("instance already exists: "+inst.ID, nil)
	}
	if err := r.pool.RegisterTriplet(inst.Ports); err != nil {
		return err
	}
	r.instances[inst.ID] = &record{inst: inst, portsHeld: true}
	return nil
}

// Get returns a copy of an instance.
func (r *Registry) Get(id string) (instance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.instances[id]
	if !ok {
		return instance.Instance{}, false
	}
	return rec.inst, true
}

// List returns copies of all instances, oldest first.
func (r *Registry) List() []instance.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]instance.Instance, 0, len(r.instances))
	for _, rec := range r.instances {
		out = append(out, rec.inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// IDs returns every instance ID.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the (id, container id) pairs of instances that have a
// container, for refreshing outside the lock.
func (r *Registry) Snapshot() []Ref {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs := make([]Ref, 0, len(r.instances))
	for id, rec := range r.instances {
		if rec.inst.HasContainer() {
			refs = append(refs, Ref{ID: id, ContainerID: rec.inst.ContainerID})
		}
	}
	return refs
}

// SetStatus updates the status of an instance. It reports false if the
// instance no longer exists.
func (r *Registry) SetStatus(id string, status instance.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return false
	}
	rec.inst.Status = status
	return true
}

// ApplyStatuses merges refreshed statuses in one critical section. Updates
// for instances that were deleted, or whose container changed since the
// snapshot, are dropped. It returns the number applied.
func (r *Registry) ApplyStatuses(updates []StatusUpdate) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for _, u := range updates {
		rec, ok := r.instances[u.ID]
		if !ok || rec.inst.ContainerID != u.ContainerID {
			continue
		}
		rec.inst.Status = u.Status
		applied++
	}
	return applied
}

// CommitProvisioned records a successfully started container. It reports
// false if the instance was deleted while it was being provisioned.
func (r *Registry) CommitProvisioned(id, containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return false
	}
	rec.inst.ContainerID = containerID
	rec.inst.Status = instance.Running
	return true
}

// MarkFailed moves an instance to an error status and returns its ports to
// the pool. It reports false if the instance no longer exists, in which case
// the ports were already released by Remove.
func (r *Registry) MarkFailed(id, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return false
	}
	rec.inst.Status = instance.Failed(reason)
	r.releaseUnlocked(rec)
	return true
}

// Remove drops an instance and releases its ports if it still holds them.
func (r *Registry) Remove(id string) (instance.Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.instances[id]
	if !ok {
		return instance.Instance{}, false
	}
	delete(r.instances, id)
	r.releaseUnlocked(rec)
	return rec.inst, true
}

func (r *Registry) releaseUnlocked(rec *record) {
	if !rec.portsHeld {
		return
	}
	r.pool.ReleaseTriplet(rec.inst.Ports)
	rec.portsHeld = false
}

// Len returns the number of instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// StateCounts returns the number of instances per state.
func (r *Registry) StateCounts() map[instance.State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[instance.State]int, len(instance.States))
	for _, s := range instance.States {
		counts[s] = 0
	}
	for _, rec := range r.instances {
		counts[rec.inst.Status.State]++
	}
	return counts
}

// Available returns the number of free ports per pool.
func (r *Registry) Available() map[ports.Kind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[ports.Kind]int, len(ports.Kinds))
	for _, k := range ports.Kinds {
		out[k] = r.pool.Available(k)
	}
	return out
}

// PortsHeld reports whether the instance's triplet is still allocated.
func (r *Registry) PortsHeld(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.instances[id]
	return ok && rec.portsHeld
}

// IsAllocated reports whether a port is held in the pool.
func (r *Registry) IsAllocated(k ports.Kind, port uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool.IsAllocated(k, port)
}
