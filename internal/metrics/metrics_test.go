package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m := New(Config{Enabled: false, EnableLatency: true})
	m.Inc(MetricLoginStarted)
	m.Observe(MetricSubmitFactorLatency, time.Millisecond)

	if m.Value(MetricLoginStarted) != 0 {
		t.Fatal("disabled metrics must not count")
	}
	s := m.Snapshot()
	if len(s.Counters) != 0 || len(s.Histograms) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := New(Config{Enabled: true})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(MetricFactorFailure)
			}
		}()
	}
	wg.Wait()
	if got := m.Value(MetricFactorFailure); got != 3200 {
		t.Fatalf("expected 3200, got %d", got)
	}
}

func TestLatencyBuckets(t *testing.T) {
	m := New(Config{Enabled: true, EnableLatency: true})
	for _, d := range []time.Duration{time.Millisecond, 7 * time.Millisecond, 30 * time.Millisecond, time.Second} {
		m.Observe(MetricSubmitFactorLatency, d)
	}
	m.Observe(MetricLoginStarted, time.Millisecond)

	s := m.Snapshot()
	b := s.Histograms[MetricSubmitFactorLatency]
	if len(b) != histBucketCount {
		t.Fatalf("expected %d buckets, got %d", histBucketCount, len(b))
	}
	if b[0] != 1 || b[1] != 1 || b[3] != 1 || b[7] != 1 {
		t.Fatalf("unexpected buckets %v", b)
	}
	if _, ok := s.Counters[MetricSubmitFactorLatency]; ok {
		t.Fatal("histogram id must not appear as a counter")
	}
}

func TestOutOfRangeIDIgnored(t *testing.T) {
	m := New(Config{Enabled: true})
	m.Inc(MetricIDCount + 3)
	if m.Value(MetricIDCount+3) != 0 {
		t.Fatal("out of range id should read zero")
	}
}
