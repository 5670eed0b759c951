package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

const (
	// SignatureHeader carries the HMAC-SHA256 signature of timestamp+body.
	SignatureHeader = "X-FLOWCATALYST-SIGNATURE"

	// TimestampHeader carries the timestamp the signature was computed over.
	TimestampHeader = "X-FLOWCATALYST-TIMESTAMP"
)

// SignedRequest holds the signature material for one outbound mediation call.
type SignedRequest struct {
	Timestamp string
	Signature string
}

// WebhookSigner produces HMAC-SHA256 signatures for outbound mediation
// requests, used when a message carries a signing secret.
type WebhookSigner struct{}

// NewWebhookSigner creates a new WebhookSigner.
func NewWebhookSigner() *WebhookSigner {
	return &WebhookSigner{}
}

// Sign computes a signature over timestamp+payload using signingSecret.
// The timestamp is generated here so the signer controls freshness.
func (s *WebhookSigner) Sign(payload []byte, signingSecret string) *SignedRequest {
	timestamp := time.Now().UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)
	signature := s.hmacSHA256Hex(timestamp, payload, signingSecret)
	return &SignedRequest{Timestamp: timestamp, Signature: signature}
}

// Verify reports whether signature matches HMAC-SHA256(timestamp+payload, signingSecret).
func (s *WebhookSigner) Verify(payload []byte, timestamp, signature, signingSecret string) bool {
	expected := s.hmacSHA256Hex(timestamp, payload, signingSecret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *WebhookSigner) hmacSHA256Hex(timestamp string, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
