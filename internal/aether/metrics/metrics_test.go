package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aetherhub/aether/internal/aether/faults"
	"github.com/aetherhub/aether/internal/aether/gateway"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("configured", "launching")
	m.LaunchFinished("running", time.Second)
	m.SetDeployments(map[string]int{"running": 1})
	m.HTTPRequest("GET", "/health", 200, time.Millisecond)
	m.RateLimited("/api/remote/send")
	if m.Gateway("local") != nil {
		t.Error("nil metrics should yield a nil observer")
	}
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first New: %v", err)
	}
	if _, err := New(reg); err != nil {
		t.Fatalf("second New: %v", err)
	}
}

func TestDeploymentCounters(t *testing.T) {
	m := newTestMetrics(t)
	m.Transition("configured", "launching")
	m.Transition("configured", "launching")
	m.LaunchFinished("running", 3*time.Second)
	m.SetDeployments(map[string]int{"running": 2, "stopped": 1})

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("configured", "launching")); got != 2 {
		t.Errorf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.launches.WithLabelValues("running")); got != 1 {
		t.Errorf("launches = %v", got)
	}
	if got := testutil.ToFloat64(m.deployments.WithLabelValues("running")); got != 2 {
		t.Errorf("deployments{running} = %v", got)
	}
}

func TestGatewayObserver(t *testing.T) {
	m := newTestMetrics(t)
	obs := m.Gateway("remote")

	obs.StateChanged(gateway.StateConnected)
	obs.RequestDone("chat.send", 10*time.Millisecond, nil)
	obs.RequestDone("chat.send", time.Second, faults.ErrRequestTimeout)
	obs.RequestDone("status", time.Millisecond, errors.New("boom"))
	obs.EventReceived("agent")
	obs.EventDropped()
	obs.SequenceGap(3)

	if got := testutil.ToFloat64(m.connState.WithLabelValues("remote", "connected")); got != 1 {
		t.Errorf("connected gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.connState.WithLabelValues("remote", "reconnecting")); got != 0 {
		t.Errorf("reconnecting gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("remote", "chat.send", string(faults.ReasonTimeout))); got != 1 {
		t.Errorf("timeout requests = %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("remote", "status", "error")); got != 1 {
		t.Errorf("error requests = %v", got)
	}
	if got := testutil.ToFloat64(m.seqGaps.WithLabelValues("remote")); got != 3 {
		t.Errorf("gaps = %v", got)
	}
}
