package audit

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const AlertSignInFailureSpike AlertType = "sign_in_failure_spike"

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultFailureWindow    = time.Minute
	defaultFailureThreshold = 20
)

// alertCollector keeps a sliding window of sign-in failures.
type alertCollector struct {
	mu        sync.Mutex
	failures  []time.Time
	window    time.Duration
	threshold int
	now       func() time.Time
	alertFn   AlertFunc
}

func newAlertCollector(fn AlertFunc) *alertCollector {
	return &alertCollector{
		window:    defaultFailureWindow,
		threshold: defaultFailureThreshold,
		now:       time.Now,
		alertFn:   fn,
	}
}

func (a *alertCollector) recordEvent(event Event) {
	if a == nil || a.alertFn == nil {
		return
	}
	if event != SignInFailure && event != SignInRateLimited {
		return
	}

	a.mu.Lock()
	now := a.now()
	a.failures = trimWindow(append(a.failures, now), now, a.window)
	var alert *AlertEvent
	if len(a.failures) >= a.threshold {
		alert = &AlertEvent{
			Type:      AlertSignInFailureSpike,
			Message:   "sign-in failure rate exceeds threshold",
			Count:     len(a.failures),
			Threshold: a.threshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same spike.
		a.failures = a.failures[:0]
	}
	a.mu.Unlock()

	if alert != nil {
		a.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
