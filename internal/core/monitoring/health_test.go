package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Aggregate Tests
// =============================================================================

func TestAggregate_NoSamples(t *testing.T) {
	s := Aggregate(nil, Thresholds{})
	assert.Equal(t, StatusUnknown, s.Status)
	assert.False(t, s.Acceptable(false))
}

func TestAggregate_AllHealthy(t *testing.T) {
	s := Aggregate([]Sample{
		{OK: true, StatusCode: 200, Latency: 10 * time.Millisecond},
		{OK: true, StatusCode: 200, Latency: 30 * time.Millisecond},
	}, Thresholds{SlowLatency: time.Second})

	assert.Equal(t, StatusHealthy, s.Status)
	assert.Equal(t, 20*time.Millisecond, s.AvgLatency)
	assert.Equal(t, 30*time.Millisecond, s.MaxLatency)
	assert.True(t, s.Acceptable(true))
}

func TestAggregate_Mixed(t *testing.T) {
	tests := []struct {
		name    string
		samples []Sample
		want    Status
	}{
		{"one failure", []Sample{{OK: true}, {OK: false, StatusCode: 503}}, StatusDegraded},
		{"all failed", []Sample{{OK: false}, {OK: false}}, StatusUnhealthy},
		{"slow", []Sample{{OK: true, Latency: 2 * time.Second}}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate(tt.samples, Thresholds{SlowLatency: time.Second})
			assert.Equal(t, tt.want, s.Status)
		})
	}
}

func TestSummary_AcceptableStrict(t *testing.T) {
	degraded := Summary{Status: StatusDegraded}
	assert.True(t, degraded.Acceptable(false))
	assert.False(t, degraded.Acceptable(true))
	assert.False(t, Summary{Status: StatusUnhealthy}.Acceptable(false))
}

// =============================================================================
// Message Tests
// =============================================================================

func TestSampleMessage(t *testing.T) {
	assert.Equal(t, "http://svc/health unreachable: connection refused",
		SampleMessage(Sample{URL: "http://svc/health", Error: "connection refused"}))
	assert.Equal(t, "http://svc/health returned 503",
		SampleMessage(Sample{URL: "http://svc/health", StatusCode: 503}))
	assert.Equal(t, "http://svc/health healthy in 12ms",
		SampleMessage(Sample{URL: "http://svc/health", OK: true, Latency: 12 * time.Millisecond}))
}
