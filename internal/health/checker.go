// Package health tracks whether the daemon's upstream dependencies are
// reachable.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per target.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// ProbeFunc checks one dependency; a nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// Probe is a named dependency check.
type Probe struct {
	Name  string
	Check ProbeFunc
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(target string, success bool)

// TargetStatus is the last known state of one target.
type TargetStatus struct {
	Status    string    `json:"status"`
	FailCount int       `json:"fail_count"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic dependency probes.
type Checker struct {
	probes    []Probe
	status    map[string]TargetStatus
	mu        sync.RWMutex
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(probes []Probe, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	status := make(map[string]TargetStatus, len(probes))
	for _, p := range probes {
		status[p.Name] = TargetStatus{Status: StatusUnknown}
	}
	return &Checker{
		probes: probes,
		status: status,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes immediately, then once per interval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	h.CheckAll(ctx)
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll runs every probe concurrently and updates target status.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range h.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p.Check(pctx)
			cancel()
			success := err == nil

			if h.onMetrics != nil {
				h.onMetrics(p.Name, success)
			}

			h.mu.Lock()
			st := h.status[p.Name]
			prevCount := st.FailCount
			if success {
				st.FailCount = 0
				st.Status = StatusHealthy
				st.LastError = ""
			} else {
				st.FailCount++
				st.LastError = err.Error()
				// A target that never answered is degraded right away.
				if st.FailCount >= h.cfg.FailThreshold || st.Status == StatusUnknown {
					st.Status = StatusDegraded
				}
			}
			st.CheckedAt = time.Now().UTC()
			h.status[p.Name] = st
			h.mu.Unlock()

			if success && prevCount >= h.cfg.FailThreshold {
				h.logger.Info("health: recovered", zap.String("target", p.Name))
			} else if !success && st.FailCount == h.cfg.FailThreshold {
				h.logger.Warn("health: degraded",
					zap.String("target", p.Name),
					zap.Int("fail_count", st.FailCount),
					zap.Error(err),
				)
			}
		}(p)
	}
	wg.Wait()
}

// Status returns a copy of every target's status.
func (h *Checker) Status() map[string]TargetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]TargetStatus, len(h.status))
	for k, v := range h.status {
		out[k] = v
	}
	return out
}

// Healthy reports whether target's last probe succeeded.
func (h *Checker) Healthy(target string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status[target].Status == StatusHealthy
}

// HTTPProbe returns a probe that succeeds on any 2xx answer to HEAD, or to
// GET when HEAD is refused.
func HTTPProbe(client *http.Client, endpoint string) ProbeFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
}

// StatusError is returned by HTTPProbe for a non-2xx answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return "unexpected status " + http.StatusText(e.Code) }
