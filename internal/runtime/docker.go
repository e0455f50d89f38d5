package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker client used here.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
}

// DockerConfig configures a Docker runtime.
type DockerConfig struct {
	// StopTimeout is the grace period given to stop and restart.
	StopTimeout time.Duration
	Logger      *log.Logger
}

// Docker implements Runtime with the Docker Engine API.
type Docker struct {
	api         dockerAPI
	closer      io.Closer
	stopTimeout time.Duration
	logger      *log.Logger
}

// NewDocker connects to the daemon described by the environment
// (DOCKER_HOST and friends), negotiating the API version.
func NewDocker(cfg DockerConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	d := newDocker(cli, cfg)
	d.closer = cli
	return d, nil
}

func newDocker(api dockerAPI, cfg DockerConfig) *Docker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[runtime] ", log.LstdFlags|log.Lmsgprefix)
	}
	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Docker{api: api, stopTimeout: timeout, logger: logger}
}

// Close releases the underlying client.
func (d *Docker) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// classify marks daemon connection failures as RuntimeUnavailable so the API
// can answer 503 instead of 500.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return instance.RuntimeUnavailable(err)
	}
	return err
}

func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return instance.RuntimeUnavailable(fmt.Errorf("ping docker daemon: %w", err))
	}
	return nil
}

func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	images, err := d.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return classify(fmt.Errorf("list images: %w", err))
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				d.logger.Printf("image %s already present", ref)
				return nil
			}
		}
	}

	d.logger.Printf("pulling image %s...", ref)
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify(fmt.Errorf("pull image %s: %w", ref, err))
	}
	defer rc.Close()

	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read pull progress: %w", err)
		}
		if msg.Error != nil {
			return fmt.Errorf("pull image %s: %w", ref, msg.Error)
		}
		if msg.ID != "" {
			d.logger.Printf("pull %s: %s", msg.ID, msg.Status)
		}
	}

	d.logger.Printf("image %s pulled", ref)
	return nil
}

func (d *Docker) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed, bindings := portBindings(spec.Ports)

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Name,
		Env:          spec.Env(),
		ExposedPorts: exposed,
		Labels:       containerLabels(spec),
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Binds:        []string{fmt.Sprintf("%s:%s:ro", spec.PayloadPath, spec.PayloadMountPath)},
		IpcMode:      container.IpcMode("host"),
		Resources: container.Resources{
			NanoCPUs: nanoCPUs(spec.Config.EffectiveCPU()),
		},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, parsePlatform(spec.Platform), spec.Name)
	if err != nil {
		return "", classify(fmt.Errorf("create container %s: %w", spec.Name, err))
	}
	for _, w := range resp.Warnings {
		d.logger.Printf("warning: create %s: %s", spec.Name, w)
	}
	d.logger.Printf("created container %s (%s)", spec.Name, shortID(resp.ID))
	return resp.ID, nil
}

func (d *Docker) StartContainer(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify(fmt.Errorf("start container %s: %w", shortID(id), err))
	}
	return nil
}

func (d *Docker) StopContainer(ctx context.Context, id string) error {
	if err := d.api.ContainerStop(ctx, id, d.stopOptions()); err != nil {
		return classify(fmt.Errorf("stop container %s: %w", shortID(id), err))
	}
	return nil
}

func (d *Docker) RestartContainer(ctx context.Context, id string) error {
	if err := d.api.ContainerRestart(ctx, id, d.stopOptions()); err != nil {
		return classify(fmt.Errorf("restart container %s: %w", shortID(id), err))
	}
	return nil
}

func (d *Docker) RemoveContainer(ctx context.Context, id string) error {
	opts := container.RemoveOptions{Force: true, RemoveVolumes: true}
	if err := d.api.ContainerRemove(ctx, id, opts); err != nil {
		return classify(fmt.Errorf("remove container %s: %w", shortID(id), err))
	}
	return nil
}

func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", classify(fmt.Errorf("get logs for %s: %w", shortID(id), err))
	}
	defer rc.Close()

	// Both streams go to the same buffer so interleaving is preserved.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		d.logger.Printf("warning: reading logs for %s: %v", shortID(id), err)
	}
	return buf.String(), nil
}

func (d *Docker) ListWithPrefix(ctx context.Context, prefix string) ([]ContainerSummary, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, classify(fmt.Errorf("list containers: %w", err))
	}

	// The name filter is a substring match, so check the prefix ourselves.
	var out []ContainerSummary
	for _, c := range list {
		for _, name := range c.Names {
			name = strings.TrimPrefix(name, "/")
			if strings.HasPrefix(name, prefix) {
				out = append(out, ContainerSummary{ID: c.ID, Name: name, State: string(c.State)})
				break
			}
		}
	}
	return out, nil
}

func (d *Docker) InspectForRecovery(ctx context.Context, id string) (*RecoveredContainer, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify(fmt.Errorf("inspect container %s: %w", shortID(id), err))
	}

	var live nat.PortMap
	if info.NetworkSettings != nil {
		live = info.NetworkSettings.Ports
	}
	var static nat.PortMap
	if info.HostConfig != nil {
		static = info.HostConfig.PortBindings
	}
	triplet, err := extractPorts(live, static)
	if err != nil {
		return nil, fmt.Errorf("container %s: %w", shortID(id), err)
	}

	rc := &RecoveredContainer{
		ContainerID: info.ID,
		Ports:       triplet,
		Status:      instance.Failed("unknown"),
		CreatedAt:   parseCreated(info.Created),
	}
	if info.State != nil {
		rc.Status = StatusFromState(string(info.State.Status))
	}
	if info.Config != nil {
		rc.Config.CPULimit = cpuLimitFromLabels(info.Config.Labels)
	}
	return rc, nil
}

func (d *Docker) RefreshStatus(ctx context.Context, id string) (instance.Status, bool, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return instance.Status{}, false, nil
		}
		return instance.Status{}, false, classify(fmt.Errorf("inspect container %s: %w", shortID(id), err))
	}
	if info.State == nil {
		return instance.Failed("unknown"), true, nil
	}
	return StatusFromState(string(info.State.Status)), true, nil
}

func (d *Docker) stopOptions() container.StopOptions {
	secs := int(d.stopTimeout / time.Second)
	return container.StopOptions{Timeout: &secs}
}

func portBindings(t ports.Triplet) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pair := range []struct {
		internal string
		host     uint16
	}{
		{InternalRDPPort, t.RDP},
		{InternalConsolePort, t.Console},
		{InternalXpraPort, t.Xpra},
	} {
		p := nat.Port(pair.internal)
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostPort: strconv.Itoa(int(pair.host))}}
	}
	return exposed, bindings
}

// extractPorts reads the host side of the three bindings, preferring the live
// network settings and falling back to the configured bindings (which is all
// a stopped container has).
func extractPorts(live, static nat.PortMap) (ports.Triplet, error) {
	var t ports.Triplet
	for _, pair := range []struct {
		internal string
		dst      *uint16
	}{
		{InternalRDPPort, &t.RDP},
		{InternalConsolePort, &t.Console},
		{InternalXpraPort, &t.Xpra},
	} {
		port, ok := hostPort(live, pair.internal)
		if !ok {
			port, ok = hostPort(static, pair.internal)
		}
		if !ok {
			return ports.Triplet{}, fmt.Errorf("no host binding for %s", pair.internal)
		}
		*pair.dst = port
	}
	return t, nil
}

func hostPort(m nat.PortMap, internal string) (uint16, bool) {
	for _, b := range m[nat.Port(internal)] {
		if b.HostPort == "" {
			continue
		}
		n, err := strconv.ParseUint(b.HostPort, 10, 16)
		if err != nil {
			continue
		}
		return uint16(n), true
	}
	return 0, false
}

func containerLabels(spec ContainerSpec) map[string]string {
	labels := map[string]string{
		LabelManaged:    "true",
		LabelInstanceID: spec.InstanceID,
	}
	if spec.Config.CPULimit != nil {
		labels[LabelCPULimit] = strconv.FormatFloat(*spec.Config.CPULimit, 'f', -1, 64)
	}
	return labels
}

func cpuLimitFromLabels(labels map[string]string) *float64 {
	raw, ok := labels[LabelCPULimit]
	if !ok {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// nanoCPUs converts fractional cores to the engine's unit (1e-9 CPUs).
func nanoCPUs(cores float64) int64 {
	if cores <= 0 {
		return 0
	}
	return int64(cores * 1e9)
}

// parseCreated parses the engine's creation timestamp, falling back to now.
func parseCreated(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func parsePlatform(s string) *ocispec.Platform {
	if s == "" {
		return nil
	}
	parts := strings.SplitN(s, "/", 3)
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
