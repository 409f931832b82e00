// Package monitoring aggregates health-check samples into a verdict for
// the monitor phase. Following "values as boundaries", it performs no I/O.
package monitoring

import (
	"fmt"
	"time"
)

// Status is the aggregated health of a deployment.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Sample is one health-check observation.
type Sample struct {
	URL        string        `json:"url"`
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// Thresholds tune aggregation. A zero SlowLatency disables the latency check.
type Thresholds struct {
	SlowLatency time.Duration
}

// Summary is the aggregated result of a sampling window.
type Summary struct {
	Status     Status        `json:"status"`
	Samples    int           `json:"samples"`
	Failures   int           `json:"failures"`
	Slow       int           `json:"slow"`
	AvgLatency time.Duration `json:"avg_latency"`
	MaxLatency time.Duration `json:"max_latency"`
}

// =============================================================================
// Health Aggregation (Pure Functions)
// =============================================================================

// Aggregate determines overall health from samples.
//   - no samples: unknown
//   - every sample failed: unhealthy
//   - any failure or slow sample: degraded
//   - otherwise: healthy
func Aggregate(samples []Sample, th Thresholds) Summary {
	s := Summary{Samples: len(samples)}
	if len(samples) == 0 {
		s.Status = StatusUnknown
		return s
	}

	var total time.Duration
	for _, sm := range samples {
		total += sm.Latency
		if sm.Latency > s.MaxLatency {
			s.MaxLatency = sm.Latency
		}
		if !sm.OK {
			s.Failures++
			continue
		}
		if th.SlowLatency > 0 && sm.Latency > th.SlowLatency {
			s.Slow++
		}
	}
	s.AvgLatency = total / time.Duration(len(samples))

	switch {
	case s.Failures == len(samples):
		s.Status = StatusUnhealthy
	case s.Failures > 0 || s.Slow > 0:
		s.Status = StatusDegraded
	default:
		s.Status = StatusHealthy
	}
	return s
}

// Acceptable reports whether the summary passes. Degraded passes unless
// strict is set.
func (s Summary) Acceptable(strict bool) bool {
	switch s.Status {
	case StatusHealthy:
		return true
	case StatusDegraded:
		return !strict
	default:
		return false
	}
}

// SampleMessage renders a sample for logs and phase output.
func SampleMessage(sm Sample) string {
	switch {
	case sm.Error != "":
		return fmt.Sprintf("%s unreachable: %s", sm.URL, sm.Error)
	case !sm.OK:
		return fmt.Sprintf("%s returned %d", sm.URL, sm.StatusCode)
	default:
		return fmt.Sprintf("%s healthy in %s", sm.URL, sm.Latency.Round(time.Millisecond))
	}
}
