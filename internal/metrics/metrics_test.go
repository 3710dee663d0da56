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

	if streamEventsTotal == nil || streamReconnectsTotal == nil || archiveEntriesTotal == nil ||
		queueDepth == nil || captureDurationSeconds == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveStreamEvent(t *testing.T) {
	Init()
	before := testutil.ToFloat64(streamEventsTotal.WithLabelValues("track", OutcomeAccepted))
	ObserveStreamEvent("track", OutcomeAccepted)
	ObserveStreamEvent("track", OutcomeAccepted)
	if got := testutil.ToFloat64(streamEventsTotal.WithLabelValues("track", OutcomeAccepted)); got != before+2 {
		t.Errorf("expected %f accepted events, got %f", before+2, got)
	}
}

func TestObserveReconnectAndArchive(t *testing.T) {
	Init()
	before := testutil.ToFloat64(streamReconnectsTotal.WithLabelValues("follow"))
	ObserveReconnect("follow")
	if got := testutil.ToFloat64(streamReconnectsTotal.WithLabelValues("follow")); got != before+1 {
		t.Errorf("expected reconnect counter to grow by 1, got %f", got-before)
	}

	beforeArchive := testutil.ToFloat64(archiveEntriesTotal.WithLabelValues("status", ResultExists))
	ObserveArchive("status", ResultExists)
	if got := testutil.ToFloat64(archiveEntriesTotal.WithLabelValues("status", ResultExists)); got != beforeArchive+1 {
		t.Errorf("expected archive counter to grow by 1, got %f", got-beforeArchive)
	}
}

func TestSetQueueDepth(t *testing.T) {
	Init()
	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}
	SetQueueDepth(0)
	if got := testutil.ToFloat64(queueDepth); got != 0 {
		t.Errorf("expected queue depth 0, got %f", got)
	}
}

func TestObserveHistograms(t *testing.T) {
	Init()
	ObserveCapture(1500 * time.Millisecond)
	ObserveRateLimitDelay(200 * time.Millisecond)
	if n := testutil.CollectAndCount(captureDurationSeconds); n != 1 {
		t.Errorf("expected one capture histogram, got %d", n)
	}
	if n := testutil.CollectAndCount(renderRateLimitDelaySeconds); n != 1 {
		t.Errorf("expected one rate limit histogram, got %d", n)
	}
}
