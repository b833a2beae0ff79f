package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/omni/internal/config"
)

// AnomalyDetector flags operations whose failure rate crosses a threshold
// within a sliding window. Operations are free-form keys such as
// "automation:<name>" or "send_message:<instance>".
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	flagged       map[string]bool
	cfg           *config.AnomalyConfig
	metrics       *MetricsCollector
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
		flagged:       make(map[string]bool),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// WithMetrics counts detected anomalies on m.
func (a *AnomalyDetector) WithMetrics(m *MetricsCollector) *AnomalyDetector {
	if a != nil {
		a.metrics = m
	}
	return a
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

func (a *AnomalyDetector) minSamples() float64 {
	if a.cfg.MinSamples > 0 {
		return float64(a.cfg.MinSamples)
	}
	return 5
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// Flagged reports whether operation is currently above its failure threshold.
func (a *AnomalyDetector) Flagged(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[operation]
}

// ErrorRate returns the windowed failure rate of operation and its sample count.
func (a *AnomalyDetector) ErrorRate(operation string) (rate, total float64) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate(operation)
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) (float64, float64) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	oks := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := errs + oks
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate logs once when the failure rate crosses the threshold and
// once when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	rate, total := a.rate(operation)
	if total < a.minSamples() {
		return // Not enough data.
	}

	over := rate > threshold
	was := a.flagged[operation]
	switch {
	case over && !was:
		a.flagged[operation] = true
		if a.metrics != nil {
			a.metrics.AnomaliesTotal.WithLabelValues(operation).Inc()
		}
		if a.logger != nil {
			a.logger.Warn("anomaly detected: high error rate",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
				slog.Float64("threshold", threshold),
				slog.Float64("total", total),
			)
		}
	case !over && was:
		delete(a.flagged, operation)
		if a.logger != nil {
			a.logger.Info("anomaly cleared",
				slog.String("operation", operation),
				slog.Float64("error_rate", rate),
			)
		}
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
