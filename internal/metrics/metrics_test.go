package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if callsProcessedTotal == nil || activeCalls == nil ||
		httpRequestsTotal == nil || monitorState == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCall(t *testing.T) {
	Init()
	before := testutil.ToFloat64(callsProcessedTotal.WithLabelValues("succeeded", "done"))
	bytesBefore := testutil.ToFloat64(recordingBytesTotal)

	ObserveCall(true, "done", 12*time.Second, 2, 50000)

	if got := testutil.ToFloat64(callsProcessedTotal.WithLabelValues("succeeded", "done")); got != before+1 {
		t.Errorf("expected succeeded/done to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(recordingBytesTotal); got != bytesBefore+50000 {
		t.Errorf("expected recording bytes to grow by 50000, got %f -> %f", bytesBefore, got)
	}
}

func TestSetStateIsExclusive(t *testing.T) {
	SetState("degraded")
	SetState("connected")

	if got := testutil.ToFloat64(monitorState.WithLabelValues("connected")); got != 1 {
		t.Errorf("expected connected gauge 1, got %f", got)
	}
	if got := testutil.ToFloat64(monitorState.WithLabelValues("degraded")); got != 0 {
		t.Errorf("expected degraded gauge 0, got %f", got)
	}
}

func TestActiveCallsGauge(t *testing.T) {
	Init()
	start := testutil.ToFloat64(activeCalls)
	IncActiveCalls()
	IncActiveCalls()
	DecActiveCalls()
	if got := testutil.ToFloat64(activeCalls); got != start+1 {
		t.Errorf("expected active calls %f, got %f", start+1, got)
	}
}

func TestObserveDetectedIgnoresEmpty(t *testing.T) {
	Init()
	before := testutil.ToFloat64(callsDetectedTotal.WithLabelValues("table"))
	ObserveDetected("table", 0)
	ObserveDetected("table", 3)
	if got := testutil.ToFloat64(callsDetectedTotal.WithLabelValues("table")); got != before+3 {
		t.Errorf("expected detected to grow by 3, got %f -> %f", before, got)
	}
}
