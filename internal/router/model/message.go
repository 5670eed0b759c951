// Package model holds the wire-format data structures shared across the
// broker, mediator, pool, and manager layers.
package model

// MediationType identifies how a MessagePointer should be delivered downstream.
type MediationType string

const (
	// MediationTypeHTTP delivers via HTTP POST to MediationTarget.
	MediationTypeHTTP MediationType = "HTTP"
)

// MessagePointer is the wire-format envelope consumed from the broker. It
// carries only routing and mediation information, not the business payload,
// which downstream targets fetch or receive out of band.
type MessagePointer struct {
	// ID is the application-level message identifier, used as the
	// dedup/idempotency key handed to downstream targets. Not the broker's
	// own message identifier.
	ID string `json:"id"`

	// PoolCode selects the processing pool this message routes through.
	PoolCode string `json:"poolCode"`

	// AuthToken is the bearer token presented to the mediation target.
	AuthToken string `json:"authToken"`

	// SigningSecret, when set, causes the outbound mediation request body to
	// be HMAC-signed. Empty disables signing.
	SigningSecret string `json:"signingSecret,omitempty"`

	// MediationType selects how MediationTarget is invoked.
	MediationType MediationType `json:"mediationType"`

	// MediationTarget is the endpoint this message is dispatched to.
	MediationTarget string `json:"mediationTarget"`

	// MessageGroupID orders messages sharing the same business entity.
	// Messages in the same group are processed sequentially; messages in
	// different groups (or with no group set) process concurrently.
	MessageGroupID string `json:"messageGroupId"`

	// BatchID is populated during routing, not part of the wire contract.
	BatchID string `json:"-"`

	// BrokerMessageID is the broker's own message identifier, used for
	// dual-ID deduplication alongside ID.
	BrokerMessageID string `json:"-"`
}

// MediationResponse is the optional JSON body a mediation target may return
// on a 2xx response to signal that the message is not yet ready to be
// acknowledged.
type MediationResponse struct {
	Ack          bool   `json:"ack"`
	Message      string `json:"message,omitempty"`
	DelaySeconds *int   `json:"delaySeconds,omitempty"`
}

const (
	// MaxDelaySeconds is the largest NACK visibility delay accepted.
	MaxDelaySeconds = 43200

	// DefaultDelaySeconds is used when a NACK carries no explicit delay.
	DefaultDelaySeconds = 30
)

// GetEffectiveDelaySeconds clamps DelaySeconds to the valid range, defaulting
// to DefaultDelaySeconds when unset.
func (r *MediationResponse) GetEffectiveDelaySeconds() int {
	if r.DelaySeconds == nil || *r.DelaySeconds <= 0 {
		return DefaultDelaySeconds
	}
	if *r.DelaySeconds > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return *r.DelaySeconds
}

// PoolConfig is the desired configuration of one processing pool, as
// delivered by config sync.
type PoolConfig struct {
	Code               string `json:"code" bson:"code"`
	Concurrency        int    `json:"concurrency" bson:"concurrency"`
	QueueCapacity      int    `json:"queueCapacity" bson:"queueCapacity"`
	RateLimitPerMinute *int   `json:"rateLimitPerMinute,omitempty" bson:"rateLimitPerMinute,omitempty"`
}

// QueueConfig is the desired configuration of one broker queue.
type QueueConfig struct {
	Name                     string `json:"name" bson:"name"`
	URI                      string `json:"uri" bson:"uri"`
	Connections              int    `json:"connections" bson:"connections"`
	VisibilityTimeoutSeconds int    `json:"visibilityTimeoutSeconds" bson:"visibilityTimeoutSeconds"`
}

// Identity returns the identifying key for a QueueConfig: Name, falling back
// to URI when Name is empty.
func (q QueueConfig) Identity() string {
	if q.Name != "" {
		return q.Name
	}
	return q.URI
}

// RouterConfig is the desired state fetched periodically by config sync.
type RouterConfig struct {
	ProcessingPools []PoolConfig  `json:"processingPools" bson:"processingPools"`
	Queues          []QueueConfig `json:"queues" bson:"queues"`
}

// PublishRequest describes a publish payload. POST /publish does not decode
// it: the handler decodes a MessagePointer and publishes it to the broker.
type PublishRequest struct {
	ID              string `json:"id"`
	PoolCode        string `json:"poolCode"`
	MediationTarget string `json:"mediationTarget"`
	AuthToken       string `json:"authToken,omitempty"`
	MessageGroupID  string `json:"messageGroupId,omitempty"`
	Queue           string `json:"queue"`
}
