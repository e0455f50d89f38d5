package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"
)

func newTestRegistry(size uint16) *Registry {
	return New(ports.NewPool(
		ports.Range{Start: 13390, End: 13390 + size},
		ports.Range{Start: 18081, End: 18081 + size},
		ports.Range{Start: 14500, End: 14500 + size},
	))
}

func newInstance(t *testing.T, r *Registry) instance.Instance {
	t.Helper()
	triplet, err := r.AllocatePorts()
	if err != nil {
		t.Fatalf("AllocatePorts: %v", err)
	}
	return instance.Instance{
		ID:        instance.NewID(),
		Ports:     triplet,
		Status:    instance.Creating,
		CreatedAt: time.Now().UTC(),
	}
}

func TestInsertRespectsCeiling(t *testing.T) {
	r := newTestRegistry(10)

	for i := 0; i < 2; i++ {
		if err := r.Insert(newInstance(t, r), 2); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	extra := newInstance(t, r)
	err := r.Insert(extra, 2)
	if !errors.Is(err, instance.ErrMaxInstancesReached) {
		t.Fatalf("Insert over ceiling = %v, want max instances reached", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestConcurrentInsertNeverExceedsCeiling(t *testing.T) {
	r := newTestRegistry(100)
	const max = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			triplet, err := r.AllocatePorts()
			if err != nil {
				return
			}
			inst := instance.Instance{ID: instance.NewID(), Ports: triplet, Status: instance.Creating}
			if err := r.Insert(inst, max); err != nil {
				r.ReleasePorts(triplet)
				return
			}
			mu.Lock()
			accepted++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if accepted != max || r.Len() != max {
		t.Errorf("accepted = %d, Len = %d, want %d", accepted, r.Len(), max)
	}
	if got := r.Available()[ports.RDP]; got != 100-max {
		t.Errorf("available rdp = %d, want %d", got, 100-max)
	}
}

func TestMarkFailedThenRemoveReleasesOnce(t *testing.T) {
	r := newTestRegistry(1)
	inst := newInstance(t, r)
	if err := r.Insert(inst, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if !r.MarkFailed(inst.ID, "create failed") {
		t.Fatal("MarkFailed returned false")
	}
	if r.PortsHeld(inst.ID) {
		t.Error("ports still held after MarkFailed")
	}
	got, _ := r.Get(inst.ID)
	if got.Status.String() != "error: create failed" {
		t.Errorf("status = %q", got.Status)
	}

	// Someone else takes the freed ports.
	other := newInstance(t, r)
	if other.Ports != inst.Ports {
		t.Fatalf("expected reuse of %+v, got %+v", inst.Ports, other.Ports)
	}

	// Removing the failed record must not free the ports now owned by other.
	if _, ok := r.Remove(inst.ID); !ok {
		t.Fatal("Remove returned false")
	}
	if !r.IsAllocated(ports.RDP, other.Ports.RDP) {
		t.Error("Remove released a port owned by another instance")
	}
}

func TestRemoveThenMarkFailed(t *testing.T) {
	r := newTestRegistry(2)
	inst := newInstance(t, r)
	if err := r.Insert(inst, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	r.Remove(inst.ID)
	if r.MarkFailed(inst.ID, "late failure") {
		t.Error("MarkFailed on removed instance returned true")
	}
	if r.CommitProvisioned(inst.ID, "cid") {
		t.Error("CommitProvisioned on removed instance returned true")
	}
	if got := r.Available()[ports.Console]; got != 2 {
		t.Errorf("available console = %d, want 2", got)
	}
}

func TestRestore(t *testing.T) {
	r := newTestRegistry(10)

	good := instance.Instance{
		ID:          instance.NewID(),
		ContainerID: "c1",
		Ports:       ports.Triplet{RDP: 13395, Console: 18085, Xpra: 14505},
		Status:      instance.Running,
	}
	if err := r.Restore(good); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !r.IsAllocated(ports.Xpra, 14505) {
		t.Error("restored port not registered")
	}

	outOfRange := instance.Instance{
		ID:    instance.NewID(),
		Ports: ports.Triplet{RDP: 13396, Console: 9999, Xpra: 14506},
	}
	if err := r.Restore(outOfRange); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if r.IsAllocated(ports.RDP, 13396) {
		t.Error("partial registration after rejected restore")
	}

	// Next fresh allocation skips the restored ports only where taken.
	next := newInstance(t, r)
	if next.Ports.RDP != 13390 {
		t.Errorf("next rdp = %d, want 13390", next.Ports.RDP)
	}
}

func TestApplyStatusesSkipsChangedContainer(t *testing.T) {
	r := newTestRegistry(10)
	a := newInstance(t, r)
	b := newInstance(t, r)
	for _, inst := range []instance.Instance{a, b} {
		if err := r.Insert(inst, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	r.CommitProvisioned(a.ID, "ca")
	r.CommitProvisioned(b.ID, "cb")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d refs, want 2", len(snap))
	}

	applied := r.ApplyStatuses([]StatusUpdate{
		{ID: a.ID, ContainerID: "ca", Status: instance.Stopped},
		{ID: b.ID, ContainerID: "stale", Status: instance.DeletedExternally},
		{ID: "missing", ContainerID: "x", Status: instance.Stopped},
	})
	if applied != 1 {
		t.Errorf("applied = %d, want 1", applied)
	}

	gotA, _ := r.Get(a.ID)
	gotB, _ := r.Get(b.ID)
	if gotA.Status != instance.Stopped {
		t.Errorf("a status = %v, want stopped", gotA.Status)
	}
	if gotB.Status != instance.Running {
		t.Errorf("b status = %v, want running", gotB.Status)
	}
}

func TestSnapshotSkipsInstancesWithoutContainer(t *testing.T) {
	r := newTestRegistry(10)
	inst := newInstance(t, r)
	if err := r.Insert(inst, 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if snap := r.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot = %v, want empty", snap)
	}
}

func TestListOrderAndStateCounts(t *testing.T) {
	r := newTestRegistry(10)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		inst := newInstance(t, r)
		inst.CreatedAt = base.Add(time.Duration(3-i) * time.Minute)
		if err := r.Insert(inst, 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		ids = append(ids, inst.ID)
	}
	r.SetStatus(ids[0], instance.Running)

	list := r.List()
	if list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Errorf("list not ordered by creation time")
	}

	counts := r.StateCounts()
	if counts[instance.StateRunning] != 1 || counts[instance.StateCreating] != 2 || counts[instance.StateError] != 0 {
		t.Errorf("counts = %v", counts)
	}
}
