package notification

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// BatchingConfig controls the windowed-summary behavior of BatchingService.
type BatchingConfig struct {
	MinSeverity string
	BatchWindow time.Duration
}

// DefaultBatchingConfig returns the spec default: WARNING and above, 5 minute window.
func DefaultBatchingConfig() *BatchingConfig {
	return &BatchingConfig{
		MinSeverity: "WARNING",
		BatchWindow: 5 * time.Minute,
	}
}

type batchedEntry struct {
	category  string
	severity  string
	message   string
	source    string
	timestamp time.Time
}

// BatchingService aggregates non-critical warnings over a window and sends a
// single summary to all delegates. Critical notifications bypass the window
// entirely and are forwarded immediately, since an operator paged five
// minutes late about a critical failure is an operator paged too late.
type BatchingService struct {
	mu sync.Mutex

	delegates      []Service
	config         *BatchingConfig
	batch          []batchedEntry
	batchStartTime time.Time
}

// NewBatchingService wraps delegates with windowed batching.
func NewBatchingService(delegates []Service, config *BatchingConfig) *BatchingService {
	if config == nil {
		config = DefaultBatchingConfig()
	}

	slog.Info("batching notification service initialized", "delegates", len(delegates), "minSeverity", config.MinSeverity)

	return &BatchingService{
		delegates:      delegates,
		config:         config,
		batch:          make([]batchedEntry, 0),
		batchStartTime: time.Now(),
	}
}

// NotifyWarning enqueues a warning into the current batch window, dropping
// it if it doesn't meet the configured minimum severity.
func (s *BatchingService) NotifyWarning(category, severity, message, source string) {
	if !MeetsMinSeverity(severity, s.config.MinSeverity) {
		return
	}

	s.mu.Lock()
	s.batch = append(s.batch, batchedEntry{category, severity, message, source, time.Now()})
	s.mu.Unlock()
}

// NotifyCriticalError bypasses batching and forwards immediately to every delegate.
func (s *BatchingService) NotifyCriticalError(message, source string) {
	for _, d := range s.delegates {
		d.NotifyCriticalError(message, source)
	}
}

// NotifySystemEvent enqueues a system event into the batch, subject to the
// same minimum-severity filter as warnings (system events are INFO).
func (s *BatchingService) NotifySystemEvent(eventType, message string) {
	if !MeetsMinSeverity("INFO", s.config.MinSeverity) {
		return
	}

	s.mu.Lock()
	s.batch = append(s.batch, batchedEntry{"SYSTEM_EVENT_" + eventType, "INFO", message, "System", time.Now()})
	s.mu.Unlock()
}

// IsEnabled reports whether any delegate is active.
func (s *BatchingService) IsEnabled() bool {
	for _, d := range s.delegates {
		if d.IsEnabled() {
			return true
		}
	}
	return false
}

// SendBatch flushes the current window as one summary notification per
// delegate. Nothing in the repository calls it on a timer; entries stay
// batched until a caller invokes it.
func (s *BatchingService) SendBatch() {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return
	}

	entries := make([]batchedEntry, len(s.batch))
	copy(entries, s.batch)
	start := s.batchStartTime
	end := time.Now()
	s.batch = s.batch[:0]
	s.batchStartTime = end
	s.mu.Unlock()

	bySeverity := make(map[string][]batchedEntry)
	for _, e := range entries {
		bySeverity[e.severity] = append(bySeverity[e.severity], e)
	}

	summary := buildSummary(entries, bySeverity, start, end)
	highest := getHighestSeverity(bySeverity)

	for _, d := range s.delegates {
		d.NotifyWarning("BATCH_SUMMARY", highest, summary, "BatchingNotificationService")
	}
}

func buildSummary(all []batchedEntry, bySeverity map[string][]batchedEntry, start, end time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FlowCatalyst Warning Summary (%s to %s)\n\n", start.Format(time.RFC3339), end.Format(time.RFC3339))

	for i := len(SeverityOrder) - 1; i >= 0; i-- {
		severity := SeverityOrder[i]
		group := bySeverity[severity]
		if len(group) == 0 {
			continue
		}

		fmt.Fprintf(&b, "%s Issues (%d):\n", severity, len(group))

		byCategory := make(map[string][]batchedEntry)
		for _, e := range group {
			byCategory[e.category] = append(byCategory[e.category], e)
		}
		for category, entries := range byCategory {
			if len(entries) == 1 {
				fmt.Fprintf(&b, "  - %s: %s\n", category, entries[0].message)
			} else {
				fmt.Fprintf(&b, "  - %s: %d occurrences\n    Example: %s\n", category, len(entries), entries[0].message)
			}
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Total Warnings: %d\n", len(all))
	return b.String()
}

func getHighestSeverity(bySeverity map[string][]batchedEntry) string {
	for i := len(SeverityOrder) - 1; i >= 0; i-- {
		if len(bySeverity[SeverityOrder[i]]) > 0 {
			return SeverityOrder[i]
		}
	}
	return "INFO"
}
