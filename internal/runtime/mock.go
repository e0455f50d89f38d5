package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"corral/internal/instance"

	cerrdefs "github.com/containerd/errdefs"
)

// MockContainer is the state the mock keeps per container.
type MockContainer struct {
	ID        string
	Name      string
	State     string
	Spec      ContainerSpec
	CreatedAt time.Time
	Logs      string
}

// Mock is an in-memory Runtime for tests. Failures are injected by setting
// the *Err fields; InspectErrs and RefreshErrs fail per container ID.
type Mock struct {
	mu         sync.Mutex
	containers map[string]*MockContainer
	images     map[string]bool
	nextID     int

	PingErr    error
	PullErr    error
	CreateErr  error
	StartErr   error
	StopErr    error
	RestartErr error
	RemoveErr  error
	ListErr    error

	InspectErrs map[string]error
	RefreshErrs map[string]error

	// CreateHook, when set, runs at the start of CreateContainer without the
	// mock's lock held.
	CreateHook func(spec ContainerSpec)

	Pulls   int
	Removed []string
}

// NewMock creates an empty mock runtime.
func NewMock() *Mock {
	return &Mock{
		containers:  make(map[string]*MockContainer),
		images:      make(map[string]bool),
		InspectErrs: make(map[string]error),
		RefreshErrs: make(map[string]error),
	}
}

// AddContainer places a container directly into the mock, as if it had been
// created by a previous process.
func (m *Mock) AddContainer(c MockContainer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		m.nextID++
		c.ID = fmt.Sprintf("mock-%04d", m.nextID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.containers[c.ID] = &c
}

// Container returns a copy of a container, if present.
func (m *Mock) Container(id string) (MockContainer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return MockContainer{}, false
	}
	return *c, true
}

// ContainerCount returns how many containers exist.
func (m *Mock) ContainerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.containers)
}

// SetState changes a container's engine state behind the manager's back.
func (m *Mock) SetState(id, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[id]; ok {
		c.State = state
	}
}

// Delete removes a container behind the manager's back.
func (m *Mock) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, id)
}

// SetErr sets one of the injected errors under the mock's lock.
func (m *Mock) SetErr(target *error, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*target = err
}

func (m *Mock) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PingErr != nil {
		return instance.RuntimeUnavailable(m.PingErr)
	}
	return nil
}

func (m *Mock) EnsureImage(ctx context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.images[ref] {
		return nil
	}
	if m.PullErr != nil {
		return m.PullErr
	}
	m.Pulls++
	m.images[ref] = true
	return nil
}

func (m *Mock) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	m.mu.Lock()
	hook := m.CreateHook
	m.mu.Unlock()
	if hook != nil {
		hook(spec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	for _, c := range m.containers {
		if c.Name == spec.Name {
			return "", fmt.Errorf("create container %s: name already in use", spec.Name)
		}
	}
	m.nextID++
	id := fmt.Sprintf("mock-%04d", m.nextID)
	m.containers[id] = &MockContainer{
		ID:        id,
		Name:      spec.Name,
		State:     "created",
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (m *Mock) StartContainer(ctx context.Context, id string) error {
	return m.transition(id, &m.StartErr, "running")
}

func (m *Mock) StopContainer(ctx context.Context, id string) error {
	return m.transition(id, &m.StopErr, "exited")
}

func (m *Mock) RestartContainer(ctx context.Context, id string) error {
	return m.transition(id, &m.RestartErr, "running")
}

func (m *Mock) transition(id string, injected *error, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if *injected != nil {
		return *injected
	}
	c, ok := m.containers[id]
	if !ok {
		return notFound(id)
	}
	c.State = state
	return nil
}

func (m *Mock) RemoveContainer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	if _, ok := m.containers[id]; !ok {
		return notFound(id)
	}
	delete(m.containers, id)
	m.Removed = append(m.Removed, id)
	return nil
}

func (m *Mock) Logs(ctx context.Context, id string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return "", notFound(id)
	}
	lines := strings.SplitAfter(c.Logs, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if tail >= 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, ""), nil
}

func (m *Mock) ListWithPrefix(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []ContainerSummary
	for _, c := range m.containers {
		if strings.HasPrefix(c.Name, prefix) {
			out = append(out, ContainerSummary{ID: c.ID, Name: c.Name, State: c.State})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mock) InspectForRecovery(ctx context.Context, id string) (*RecoveredContainer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.InspectErrs[id]; err != nil {
		return nil, err
	}
	c, ok := m.containers[id]
	if !ok {
		return nil, notFound(id)
	}
	return &RecoveredContainer{
		ContainerID: c.ID,
		Ports:       c.Spec.Ports,
		Status:      StatusFromState(c.State),
		CreatedAt:   c.CreatedAt,
		Config:      instance.Config{CPULimit: c.Spec.Config.CPULimit},
	}, nil
}

func (m *Mock) RefreshStatus(ctx context.Context, id string) (instance.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.RefreshErrs[id]; err != nil {
		return instance.Status{}, false, err
	}
	c, ok := m.containers[id]
	if !ok {
		return instance.Status{}, false, nil
	}
	return StatusFromState(c.State), true, nil
}

func notFound(id string) error {
	return fmt.Errorf("container %s: %w", id, cerrdefs.ErrNotFound)
}
