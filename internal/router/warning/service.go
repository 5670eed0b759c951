package warning

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notifier is the subset of notification.Service the warning service needs;
// kept minimal so this package never imports notification directly (avoids
// an import cycle, since notification.BatchingService itself forwards to a
// Service that may be backed by warnings).
type Notifier interface {
	NotifyWarning(category, severity, message, source string)
}

// Service manages the bounded, time-ordered operational warning log and
// optionally forwards new entries to a Notifier.
type Service interface {
	AddWarning(category, severity, message, source string)
	GetAllWarnings() []Warning
	GetWarningsBySeverity(severity string) []Warning
	GetUnacknowledgedWarnings() []Warning
	AcknowledgeWarning(warningID string) bool
	ClearAllWarnings()
	ClearOldWarnings(hoursOld int)
}

// InMemoryService stores warnings in memory, bounded to maxWarnings entries.
type InMemoryService struct {
	mu          sync.RWMutex
	warnings    map[string]*Warning
	maxWarnings int
	notifier    Notifier
}

// NewInMemoryService creates a warning service with the default 1000-entry bound.
func NewInMemoryService() *InMemoryService {
	return NewInMemoryServiceWithLimit(1000)
}

// NewInMemoryServiceWithLimit creates a warning service with a custom bound.
func NewInMemoryServiceWithLimit(maxWarnings int) *InMemoryService {
	return &InMemoryService{
		warnings:    make(map[string]*Warning),
		maxWarnings: maxWarnings,
	}
}

// SetNotifier attaches a notification delegate; new warnings are forwarded
// to it after being recorded.
func (s *InMemoryService) SetNotifier(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

// AddWarning records a warning, evicting the oldest entry if at capacity.
func (s *InMemoryService) AddWarning(category, severity, message, source string) {
	s.mu.Lock()

	if len(s.warnings) >= s.maxWarnings {
		s.removeOldest()
	}

	warningID := uuid.New().String()
	s.warnings[warningID] = &Warning{
		ID:        warningID,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    source,
	}
	notifier := s.notifier
	s.mu.Unlock()

	slog.Info("warning added", "severity", severity, "category", category, "source", source, "message", message)

	if notifier != nil {
		notifier.NotifyWarning(category, severity, message, source)
	}
}

// removeOldest deletes the warning with the earliest timestamp. Caller must hold s.mu.
func (s *InMemoryService) removeOldest() {
	var oldestID string
	var oldestTime time.Time

	for id, w := range s.warnings {
		if oldestID == "" || w.Timestamp.Before(oldestTime) {
			oldestID = id
			oldestTime = w.Timestamp
		}
	}

	if oldestID != "" {
		delete(s.warnings, oldestID)
	}
}

func (s *InMemoryService) GetAllWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedWarnings(nil)
}

func (s *InMemoryService) GetWarningsBySeverity(severity string) []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedWarnings(func(w *Warning) bool {
		return strings.EqualFold(w.Severity, severity)
	})
}

func (s *InMemoryService) GetUnacknowledgedWarnings() []Warning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedWarnings(func(w *Warning) bool {
		return !w.Acknowledged
	})
}

// sortedWarnings returns warnings newest-first, optionally filtered. Caller must hold s.mu.
func (s *InMemoryService) sortedWarnings(filter func(*Warning) bool) []Warning {
	result := make([]Warning, 0, len(s.warnings))
	for _, w := range s.warnings {
		if filter == nil || filter(w) {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

func (s *InMemoryService) AcknowledgeWarning(warningID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.warnings[warningID]
	if !exists {
		return false
	}
	w.Acknowledged = true
	return true
}

func (s *InMemoryService) ClearAllWarnings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = make(map[string]*Warning)
}

func (s *InMemoryService) ClearOldWarnings(hoursOld int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(hoursOld) * time.Hour)
	for id, w := range s.warnings {
		if w.Timestamp.Before(threshold) {
			delete(s.warnings, id)
		}
	}
}

// Count returns the current number of stored warnings.
func (s *InMemoryService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.warnings)
}
