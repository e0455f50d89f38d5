package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"corral/internal/instance"
	"corral/internal/ports"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type staticSource struct{}

func (staticSource) StateCounts() map[instance.State]int {
	return map[instance.State]int{
		instance.StateCreating: 1,
		instance.StateRunning:  3,
		instance.StateStopped:  0,
		instance.StateError:    2,
	}
}

func (staticSource) Available() map[ports.Kind]int {
	return map[ports.Kind]int{ports.RDP: 95, ports.Console: 95, ports.Xpra: 94}
}

func TestCounters(t *testing.T) {
	m := New(nil)

	m.ObserveProvision(true, 2*time.Second)
	m.ObserveProvision(true, time.Second)
	m.ObserveProvision(false, time.Second)
	m.AddRecoverySkipped(3)
	m.AddRecoverySkipped(0)
	m.IncRefreshErrors()

	if got := testutil.ToFloat64(m.ProvisionTotal.WithLabelValues(ResultSuccess)); got != 2 {
		t.Errorf("success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ProvisionTotal.WithLabelValues(ResultFailure)); got != 1 {
		t.Errorf("failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RecoverySkipped); got != 3 {
		t.Errorf("recovery skipped = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RefreshErrors); got != 1 {
		t.Errorf("refresh errors = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveProvision(true, time.Second)
	m.AddRecoverySkipped(1)
	m.IncRefreshErrors()
}

func TestSourceGauges(t *testing.T) {
	m := New(staticSource{})

	expected := `
# HELP corral_instances Instances currently registered, by state.
# TYPE corral_instances gauge
corral_instances{state="creating"} 1
corral_instances{state="error"} 2
corral_instances{state="running"} 3
corral_instances{state="stopped"} 0
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "corral_instances"); err != nil {
		t.Errorf("instances gauge: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `corral_ports_available{pool="xpra"} 94`) {
		t.Errorf("ports gauge missing from exposition:\n%s", body)
	}
}
