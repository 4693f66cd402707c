package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestTimerDuration tests duration measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()

	sleepDuration := 20 * time.Millisecond
	time.Sleep(sleepDuration)

	if d := timer.Duration(); d < sleepDuration {
		t.Errorf("Timer.Duration() = %v, want >= %v", d, sleepDuration)
	}
}

// TestTimerObserveDurationVec tests histogram vec observation
func TestTimerObserveDurationVec(t *testing.T) {
	histogramVec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_operation_duration_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	timer := NewTimer()
	timer.ObserveDurationVec(histogramVec, "reshard")
	timer.ObserveDurationVec(histogramVec, "reshard")
	timer.ObserveDurationVec(histogramVec, "failover")

	ch := make(chan prometheus.Metric, 10)
	histogramVec.Collect(ch)
	close(ch)
	if n := len(ch); n != 2 {
		t.Errorf("expected 2 label sets, got %d", n)
	}
}

// TestMultipleTimers tests that multiple timers work independently
func TestMultipleTimers(t *testing.T) {
	timer1 := NewTimer()
	time.Sleep(20 * time.Millisecond)

	timer2 := NewTimer()
	time.Sleep(20 * time.Millisecond)

	duration1 := timer1.Duration()
	duration2 := timer2.Duration()

	if duration1 <= duration2 {
		t.Errorf("timer1 should be running longer: timer1=%v, timer2=%v", duration1, duration2)
	}
}
