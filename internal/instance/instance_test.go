package instance

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid PE header", base64.StdEncoding.EncodeToString([]byte("MZ\x90\x00rest")), false},
		{"exactly the magic", base64.StdEncoding.EncodeToString([]byte("MZ")), false},
		{"not base64", "!!!not-base64!!!", true},
		{"too short", base64.StdEncoding.EncodeToString([]byte("M")), true},
		{"wrong magic", base64.StdEncoding.EncodeToString([]byte("\x7fELF")), true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodePayload error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("error kind = %v, want invalid payload", KindOf(err))
			}
		})
	}
}

func TestPayloadStoreWriteRemove(t *testing.T) {
	dir := t.TempDir()
	store := NewPayloadStore(dir, "corral-", log.New(io.Discard, "", 0))
	id := NewID()

	path, err := store.Write(id, []byte("MZdata"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if want := filepath.Join(dir, "corral-"+id+".dll"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if !store.Exists(id) {
		t.Fatal("payload should exist after Write")
	}

	store.Remove(id)
	if store.Exists(id) {
		t.Error("payload should be gone after Remove")
	}

	// Removing twice is harmless.
	store.Remove(id)
}

func TestPayloadStorePathStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	store := NewPayloadStore(dir, "", log.New(io.Discard, "", 0))

	path, err := store.Path("../../etc/passwd")
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || filepath.IsAbs(rel) || (len(rel) > 2 && rel[:3] == "../") {
		t.Errorf("path %q escapes %q", path, dir)
	}
}

func TestPayloadStoreCleanOrphans(t *testing.T) {
	dir := t.TempDir()
	store := NewPayloadStore(dir, "corral-", log.New(io.Discard, "", 0))

	keep := NewID()
	orphan := NewID()
	for _, id := range []string{keep, orphan} {
		if _, err := store.Write(id, []byte("MZ")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	unrelated := filepath.Join(dir, "corral-notes.dll")
	if err := os.WriteFile(unrelated, []byte("x"), 0644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}

	removed, err := store.CleanOrphans(map[string]bool{keep: true})
	if err != nil {
		t.Fatalf("CleanOrphans: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if !store.Exists(keep) {
		t.Error("known payload was removed")
	}
	if store.Exists(orphan) {
		t.Error("orphaned payload was kept")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("file not matching the naming scheme was removed")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Creating, "creating"},
		{Running, "running"},
		{Stopped, "stopped"},
		{Failed("boom"), "error: boom"},
		{DeletedExternally, "error: Container deleted externally"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	data, err := json.Marshal(Failed("boom"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"error: boom"` {
		t.Errorf("json = %s", data)
	}
}

func TestConfigWithDefaultCPU(t *testing.T) {
	var cfg Config
	if got := cfg.WithDefaultCPU(0.5).EffectiveCPU(); got != 0.5 {
		t.Errorf("default cpu = %v, want 0.5", got)
	}

	explicit := 2.0
	cfg.CPULimit = &explicit
	if got := cfg.WithDefaultCPU(0.5).EffectiveCPU(); got != 2.0 {
		t.Errorf("explicit cpu = %v, want 2.0", got)
	}
}

func TestErrorKinds(t *testing.T) {
	err := NotFound("abc")
	if !errors.Is(err, ErrNotFound) {
		t.Error("NotFound should match ErrNotFound")
	}
	if errors.Is(err, ErrInternal) {
		t.Error("NotFound should not match ErrInternal")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("unclassified errors should be internal")
	}
	wrapped := PortsExhausted(errors.New("rdp range 1..2: no ports available"))
	if KindOf(wrapped) != KindPortsExhausted {
		t.Errorf("KindOf = %v", KindOf(wrapped))
	}
}

func TestValidID(t *testing.T) {
	if !ValidID(NewID()) {
		t.Error("generated id should be valid")
	}
	for _, bad := range []string{"", "abc", "ba4fc512-3d48-4f9e-9a1b-123456789abz"} {
		if ValidID(bad) {
			t.Errorf("ValidID(%q) = true", bad)
		}
	}
}
