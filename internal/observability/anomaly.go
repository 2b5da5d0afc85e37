package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/sandboxd/internal/config"
)

// AnomalyDetector flags provider operations whose error rate crosses a
// threshold within a sliding window.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, operation).add(now, 1)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// ErrorRate returns the error fraction of operation within the window,
// or 0 when nothing was recorded.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum(now)
	if total == 0 {
		return 0
	}
	return errs / total
}

// checkErrorRate logs when the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + successes

	if total < 5 {
		return // Not enough data.
	}

	rate := errs / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high provider error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errs),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
