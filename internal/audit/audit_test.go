package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLogger(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "nested", "events.log")

	logger, err := NewLogger(logPath)
	if err != nil {
		t.Fatalf("create audit logger: %v", err)
	}
	defer logger.Close()

	events := []Event{
		{Action: ActionCreate, InstanceID: "a", Status: "creating"},
		{Action: ActionProvisioned, InstanceID: "a", ContainerID: "c1", Status: "running"},
		{Action: ActionProvisionFail, InstanceID: "b", Error: "image pull failed"},
	}
	for _, ev := range events {
		if err := logger.Log(ev); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}
	logger.Close()

	got, err := ReadLog(logPath, 0)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), len(got))
	}
	for i, ev := range got {
		if ev.Timestamp == "" {
			t.Errorf("event %d: timestamp not set", i)
		}
		if ev.Action != events[i].Action || ev.InstanceID != events[i].InstanceID {
			t.Errorf("event %d = %+v, want %+v", i, ev, events[i])
		}
	}
	if got[2].Error != "image pull failed" {
		t.Errorf("error = %q", got[2].Error)
	}
}

func TestReadLogLimitAndMalformed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.log")
	content := `{"timestamp":"t1","action":"create"}
not json at all
{"timestamp":"t2","action":"start"}
{"timestamp":"t3","action":"stop"}
`
	if err := os.WriteFile(logPath, []byte(content), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	all, err := ReadLog(logPath, 0)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d events, want 3 (malformed line skipped)", len(all))
	}

	last, err := ReadLog(logPath, 2)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(last) != 2 || last[0].Action != "start" || last[1].Action != "stop" {
		t.Errorf("last 2 = %+v", last)
	}
}

func TestDisabledLogger(t *testing.T) {
	logger, err := NewLogger("")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if err := logger.Log(Event{Action: ActionDelete}); err != nil {
		t.Errorf("disabled Log: %v", err)
	}
	if logger.Path() != "" {
		t.Errorf("Path = %q, want empty", logger.Path())
	}

	var nilLogger *Logger
	if err := nilLogger.Log(Event{Action: ActionDelete}); err != nil {
		t.Errorf("nil Log: %v", err)
	}

	events, err := ReadLog(filepath.Join(t.TempDir(), "missing.log"), 0)
	if err != nil || events != nil {
		t.Errorf("ReadLog(missing) = %v, %v", events, err)
	}
}
