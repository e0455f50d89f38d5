// Package config loads the corrald server configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"corral/internal/ports"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "corral.yaml"

// DefaultPayloadMountPath is where the payload appears inside the container.
const DefaultPayloadMountPath = "/home/wineuser/.wine/drive_c/Program Files (x86)/Microsoft Games/Zoo Tycoon/res-openzt.dll"

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ports     PortsConfig     `yaml:"ports"`
	Docker    DockerConfig    `yaml:"docker"`
	Instances InstancesConfig `yaml:"instances"`
	API       APIConfig       `yaml:"api"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
	// PublicHost is the host name placed in connection URLs.
	PublicHost   string `yaml:"public_host"`
	AuditPath    string `yaml:"audit_path,omitempty"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// PortsConfig holds the three half-open host port ranges.
type PortsConfig struct {
	RDPStart     uint16 `yaml:"rdp_start"`
	RDPEnd       uint16 `yaml:"rdp_end"`
	ConsoleStart uint16 `yaml:"console_start"`
	ConsoleEnd   uint16 `yaml:"console_end"`
	XpraStart    uint16 `yaml:"xpra_start"`
	XpraEnd      uint16 `yaml:"xpra_end"`
}

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Image            string        `yaml:"image"`
	ContainerPrefix  string        `yaml:"container_prefix"`
	PayloadMountPath string        `yaml:"payload_mount_path"`
	Platform         string        `yaml:"platform"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// InstancesConfig holds instance limits. MaxInstances and DefaultCPULimit
// are applied live when the file changes.
type InstancesConfig struct {
	MaxInstances     int     `yaml:"max_instances"`
	DefaultCPULimit  float64 `yaml:"default_cpulimit"`
	PayloadDir       string  `yaml:"payload_dir"`
	ProvisionWorkers int     `yaml:"provision_workers"`
	LogTail          int     `yaml:"log_tail"`
}

// APIConfig is parsed for compatibility; authentication is not implemented.
type APIConfig struct {
	EnableAuth bool `yaml:"enable_auth"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:3000"
	}
	if c.Server.PublicHost == "" {
		c.Server.PublicHost = "localhost"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 50 * 1024 * 1024
	}

	if c.Ports.RDPStart == 0 && c.Ports.RDPEnd == 0 {
		c.Ports.RDPStart, c.Ports.RDPEnd = 13390, 13490
	}
	if c.Ports.ConsoleStart == 0 && c.Ports.ConsoleEnd == 0 {
		c.Ports.ConsoleStart, c.Ports.ConsoleEnd = 18081, 18181
	}
	if c.Ports.XpraStart == 0 && c.Ports.XpraEnd == 0 {
		c.Ports.XpraStart, c.Ports.XpraEnd = 14500, 14600
	}

	if c.Docker.Image == "" {
		c.Docker.Image = "finn/winezt:latest"
	}
	if c.Docker.ContainerPrefix == "" {
		c.Docker.ContainerPrefix = "openzt-"
	}
	if c.Docker.PayloadMountPath == "" {
		c.Docker.PayloadMountPath = DefaultPayloadMountPath
	}
	if c.Docker.Platform == "" {
		c.Docker.Platform = "linux/amd64"
	}
	if c.Docker.StopTimeout == 0 {
		c.Docker.StopTimeout = 10 * time.Second
	}

	if c.Instances.MaxInstances == 0 {
		c.Instances.MaxInstances = 100
	}
	if c.Instances.DefaultCPULimit == 0 {
		c.Instances.DefaultCPULimit = 0.5
	}
	if c.Instances.PayloadDir == "" {
		c.Instances.PayloadDir = os.TempDir()
	}
	if c.Instances.ProvisionWorkers == 0 {
		c.Instances.ProvisionWorkers = 4
	}
	if c.Instances.LogTail == 0 {
		c.Instances.LogTail = 100
	}
}

// PortRanges returns the rdp, console and xpra ranges.
func (c *Config) PortRanges() (rdp, console, xpra ports.Range) {
	return ports.Range{Start: c.Ports.RDPStart, End: c.Ports.RDPEnd},
		ports.Range{Start: c.Ports.ConsoleStart, End: c.Ports.ConsoleEnd},
		ports.Range{Start: c.Ports.XpraStart, End: c.Ports.XpraEnd}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_address %q: %w", c.Server.ListenAddress, err))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must not be negative"))
	}

	rdp, console, xpra := c.PortRanges()
	named := []struct {
		name string
		r    ports.Range
	}{{"rdp", rdp}, {"console", console}, {"xpra", xpra}}
	for _, n := range named {
		if n.r.Size() == 0 {
			errs = append(errs, fmt.Errorf("ports.%s range %s is empty", n.name, n.r))
		}
	}
	for i := 0; i < len(named); i++ {
		for j := i + 1; j < len(named); j++ {
			if named[i].r.Overlaps(named[j].r) {
				errs = append(errs, fmt.Errorf("ports.%s range %s overlaps ports.%s range %s",
					named[i].name, named[i].r, named[j].name, named[j].r))
			}
		}
	}

	if c.Docker.Image == "" {
		errs = append(errs, fmt.Errorf("docker.image must not be empty"))
	}
	if c.Docker.ContainerPrefix == "" {
		errs = append(errs, fmt.Errorf("docker.container_prefix must not be empty"))
	}
	if c.Docker.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("docker.stop_timeout must not be negative"))
	}
	if c.Instances.MaxInstances < 1 {
		errs = append(errs, fmt.Errorf("instances.max_instances must be at least 1"))
	}
	if c.Instances.DefaultCPULimit <= 0 {
		errs = append(errs, fmt.Errorf("instances.default_cpulimit must be positive"))
	}
	if c.Instances.ProvisionWorkers < 1 {
		errs = append(errs, fmt.Errorf("instances.provision_workers must be at least 1"))
	}

	return errors.Join(errs...)
}

// Parse decodes YAML configuration, fills defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads the configuration at path. If the file does not exist, the
// defaults are written there and returned; created reports whether that
// happened.
func Load(path string) (cfg *Config, created bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("read config file: %w", err)
		}
		cfg = Default()
		if err := Save(path, cfg); err != nil {
			return nil, false, err
		}
		return cfg, true, nil
	}

	cfg, err = Parse(data)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Save writes cfg to path atomically (temp file, then rename).
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename config file: %w", err)
	}
	return nil
}

// RestartRequired lists the settings that differ between old and next and
// only take effect after a restart. Instance limits are applied live and are
// never listed.
func RestartRequired(old, next *Config) []string {
	var changed []string
	if old.Server != next.Server {
		changed = append(changed, "server")
	}
	if old.Ports != next.Ports {
		changed = append(changed, "ports")
	}
	if old.Docker != next.Docker {
		changed = append(changed, "docker")
	}
	if old.Instances.PayloadDir != next.Instances.PayloadDir ||
		old.Instances.ProvisionWorkers != next.Instances.ProvisionWorkers ||
		old.Instances.LogTail != next.Instances.LogTail {
		changed = append(changed, "instances")
	}
	if old.API != next.API {
		changed = append(changed, "api")
	}
	return changed
}
