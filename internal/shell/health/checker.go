// Package health performs HTTP health checks against deployed services.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/artpar/conductor/internal/core/domain"
	"github.com/artpar/conductor/internal/core/monitoring"
)

// Result is the outcome of one check. OK means a 2xx response.
type Result struct {
	OK         bool          `json:"ok"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
}

// Checker checks one URL within a timeout. Transport failures return an
// error alongside a non-OK result; a non-2xx status is not an error.
type Checker interface {
	Check(ctx context.Context, url string, timeout time.Duration) (Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, url string, timeout time.Duration) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, url string, timeout time.Duration) (Result, error) {
	return f(ctx, url, timeout)
}

// HTTPChecker issues GET requests.
type HTTPChecker struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTPChecker creates a checker. A nil client uses a fresh http.Client.
func NewHTTPChecker(client *http.Client, logger *slog.Logger) *HTTPChecker {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPChecker{
		client:    client,
		userAgent: "conductor-health/1",
		logger:    logger.With("component", "health_checker"),
	}
}

// Check requests url and reports status and latency.
func (c *HTTPChecker) Check(ctx context.Context, url string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, domain.Validationf("invalid health URL %q: %v", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Latency: latency}, fmt.Errorf("%w: health check %s after %v", domain.ErrTimeout, url, timeout)
		}
		return Result{Latency: latency}, fmt.Errorf("%w: health check %s: %v", domain.ErrTransient, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	res := Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}
	c.logger.Debug("health check", "url", url, "status_code", res.StatusCode, "latency", latency)
	return res, nil
}

// =============================================================================
// Sampling
// =============================================================================

// ToSample converts a check outcome into a monitoring sample.
func ToSample(url string, res Result, err error) monitoring.Sample {
	s := monitoring.Sample{
		URL:        url,
		OK:         res.OK && err == nil,
		StatusCode: res.StatusCode,
		Latency:    res.Latency,
	}
	if err != nil {
		s.Error = err.Error()
	} else if !res.OK {
		s.Error = fmt.Sprintf("status %d", res.StatusCode)
	}
	return s
}

// SampleN checks url n times, waiting interval between checks. It stops
// early when ctx is done and returns what it collected.
func SampleN(ctx context.Context, c Checker, url string, n int, interval, timeout time.Duration) []monitoring.Sample {
	samples := make([]monitoring.Sample, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return samples
			case <-time.After(interval):
			}
		}
		res, err := c.Check(ctx, url, timeout)
		samples = append(samples, ToSample(url, res, err))
	}
	return samples
}
