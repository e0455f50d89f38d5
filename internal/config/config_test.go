package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "corral.yaml")

	cfg, created, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if cfg.Instances.MaxInstances != 100 || cfg.Instances.DefaultCPULimit != 0.5 {
		t.Errorf("instances = %+v", cfg.Instances)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	again, created, err := Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if created {
		t.Error("second Load created the file again")
	}
	if again.Docker.PayloadMountPath != DefaultPayloadMountPath {
		t.Errorf("payload mount path = %q", again.Docker.PayloadMountPath)
	}
}

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_address: "127.0.0.1:4000"
instances:
  max_instances: 3
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.ListenAddress != "127.0.0.1:4000" {
		t.Errorf("listen address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Instances.MaxInstances != 3 {
		t.Errorf("max instances = %d", cfg.Instances.MaxInstances)
	}
	if cfg.Docker.ContainerPrefix != "openzt-" || cfg.Docker.StopTimeout != 10*time.Second {
		t.Errorf("docker defaults not applied: %+v", cfg.Docker)
	}

	rdp, console, xpra := cfg.PortRanges()
	if rdp.Start != 13390 || rdp.End != 13490 || console.Start != 18081 || xpra.Start != 14500 {
		t.Errorf("ranges = %v %v %v", rdp, console, xpra)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty range", func(c *Config) { c.Ports.RDPEnd = c.Ports.RDPStart }, "ports.rdp range"},
		{"overlap", func(c *Config) { c.Ports.XpraStart, c.Ports.XpraEnd = 13400, 13500 }, "overlaps"},
		{"max instances", func(c *Config) { c.Instances.MaxInstances = -1 }, "max_instances"},
		{"cpu", func(c *Config) { c.Instances.DefaultCPULimit = -0.5 }, "default_cpulimit"},
		{"listen", func(c *Config) { c.Server.ListenAddress = "nope" }, "listen_address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("server: [")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcherReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	w, err := NewWatcher(path, cfg, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	reloaded := make(chan *Config, 4)
	w.OnReload(func(c *Config) { reloaded <- c })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	updated := Default()
	updated.Instances.MaxInstances = 7
	updated.Instances.DefaultCPULimit = 1.25
	if err := Save(path, updated); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case got := <-reloaded:
		if got.Instances.MaxInstances != 7 || got.Instances.DefaultCPULimit != 1.25 {
			t.Errorf("reloaded instances = %+v", got.Instances)
		}
		if w.Current() != got {
			t.Error("Current not updated")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload within 5s")
	}
}

func TestWatcherKeepsConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corral.yaml")
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w, err := NewWatcher(path, cfg, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	if err := os.WriteFile(path, []byte("instances:\n  max_instances: -4\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := w.reload(); err == nil {
		t.Fatal("reload accepted invalid config")
	}
	if w.Current() != cfg {
		t.Error("Current replaced by invalid config")
	}
	w.Stop()
}

func TestRestartRequired(t *testing.T) {
	old := Default()

	next := Default()
	next.Instances.MaxInstances = 5
	next.Instances.DefaultCPULimit = 2
	if got := RestartRequired(old, next); len(got) != 0 {
		t.Errorf("live limits reported as restart-only: %v", got)
	}

	next.Ports.RDPStart = 20000
	next.Ports.RDPEnd = 20100
	next.Docker.Image = "other:latest"
	next.Instances.LogTail = 5
	got := strings.Join(RestartRequired(old, next), ",")
	if got != "ports,docker,instances" {
		t.Errorf("RestartRequired = %q", got)
	}
}
