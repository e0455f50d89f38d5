package runtime

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"
)

// TestDockerLifecycle runs against a real engine. It is skipped unless
// CORRAL_DOCKER_TESTS is set; CORRAL_TEST_IMAGE overrides the image.
func TestDockerLifecycle(t *testing.T) {
	if os.Getenv("CORRAL_DOCKER_TESTS") == "" {
		t.Skip("set CORRAL_DOCKER_TESTS=1 to run against a Docker engine")
	}
	image := os.Getenv("CORRAL_TEST_IMAGE")
	if image == "" {
		image = "busybox:latest"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	d, err := NewDocker(DockerConfig{StopTimeout: 2 * time.Second, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewDocker: %v", err)
	}
	defer d.Close()
	if err := d.Ping(ctx); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}
	if err := d.EnsureImage(ctx, image); err != nil {
		t.Fatalf("EnsureImage: %v", err)
	}

	payload := filepath.Join(t.TempDir(), "payload.dll")
	if err := os.WriteFile(payload, []byte("MZ"), 0644); err != nil {
		t.Fatal(err)
	}

	id := instance.NewID()
	name := "corral-it-" + id
	triplet := ports.Triplet{RDP: 43390, Console: 48081, Xpra: 44500}
	cpu := 0.5
	containerID, err := d.CreateContainer(ctx, ContainerSpec{
		Name:             name,
		InstanceID:       id,
		Image:            image,
		Ports:            triplet,
		PayloadPath:      payload,
		PayloadMountPath: "/payload.dll",
		Config:           instance.Config{CPULimit: &cpu},
	})
	if err != nil {
		t.Fatalf("CreateContainer: %v", err)
	}
	defer d.RemoveContainer(context.Background(), containerID)

	if err := d.StartContainer(ctx, containerID); err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	found, err := d.ListWithPrefix(ctx, "corral-it-")
	if err != nil {
		t.Fatalf("ListWithPrefix: %v", err)
	}
	listed := false
	for _, c := range found {
		if c.ID == containerID && c.Name == name {
			listed = true
		}
	}
	if !listed {
		t.Errorf("container %s not listed: %+v", name, found)
	}

	rc, err := d.InspectForRecovery(ctx, containerID)
	if err != nil {
		t.Fatalf("InspectForRecovery: %v", err)
	}
	if rc.Ports != triplet {
		t.Errorf("ports = %+v, want %+v", rc.Ports, triplet)
	}
	if rc.Config.EffectiveCPU() != 0.5 {
		t.Errorf("cpu = %v, want 0.5", rc.Config.EffectiveCPU())
	}

	if _, ok, err := d.RefreshStatus(ctx, containerID); err != nil || !ok {
		t.Fatalf("RefreshStatus = %v, %v", ok, err)
	}

	if err := d.RemoveContainer(ctx, containerID); err != nil {
		t.Fatalf("RemoveContainer: %v", err)
	}
	if _, ok, err := d.RefreshStatus(ctx, containerID); err != nil || ok {
		t.Fatalf("RefreshStatus after remove = %v, %v, want not found", ok, err)
	}
}
