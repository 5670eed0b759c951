// Package warning implements the categorized operational warning log
// (spec §4.8): a bounded, time-ordered record of things operators should
// know about, independent of whether anyone is paged for them.
package warning

import "time"

// Severity levels, ordered least to most urgent.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// Categories, as named by the data model.
const (
	CategoryPoolHealth     = "PoolHealth"
	CategoryQueueHealth    = "QueueHealth"
	CategoryConfiguration  = "Configuration"
	CategoryConsumerHealth = "ConsumerHealth"
	CategoryProcessing     = "Processing"
	CategoryLeaderElection = "LeaderElection"
	CategoryInternal       = "Internal"
)

// Warning is one categorized operational event.
type Warning struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	Acknowledged bool      `json:"acknowledged"`
}
