package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"log/slog"

	"go.flowcatalyst.tech/internal/queue"
)

// Visibility bounds, mirrored from the SQS broker variant so callers see
// consistent fast-fail/default/max behavior regardless of which broker is
// configured.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200
)

// Publisher publishes messages into the SQLite-backed queue.
type Publisher struct {
	db *sql.DB
}

func (p *Publisher) insert(ctx context.Context, subject string, data []byte, groupID, dedupID string) error {
	var dedup sql.NullString
	if dedupID != "" {
		dedup = sql.NullString{String: dedupID, Valid: true}
	}

	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (broker_message_id, subject, group_id, dedup_id, payload, metadata, receipt_handle, visible_at, inserted_at, delivery_count)
		VALUES (?, ?, ?, ?, ?, '{}', ?, ?, ?, 0)`,
		uuid.NewString(), subject, groupID, dedup, data, uuid.NewString(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Publish sends a message with no group or dedup constraints.
func (p *Publisher) Publish(ctx context.Context, subject string, data []byte) error {
	return p.insert(ctx, subject, data, "", "")
}

// PublishWithGroup sends a message belonging to a FIFO message group.
func (p *Publisher) PublishWithGroup(ctx context.Context, subject string, data []byte, messageGroup string) error {
	return p.insert(ctx, subject, data, messageGroup, "")
}

// PublishWithDeduplication sends a message with a deduplication id; a
// second publish with the same id is rejected by the unique index.
func (p *Publisher) PublishWithDeduplication(ctx context.Context, subject string, data []byte, deduplicationID string) error {
	if err := p.insert(ctx, subject, data, "", deduplicationID); err != nil {
		return err
	}
	return nil
}

// Close is a no-op; the underlying database is owned by the Broker.
func (p *Publisher) Close() error {
	return nil
}

// Consumer polls the SQLite-backed queue for visible messages.
type Consumer struct {
	db                *sql.DB
	name              string
	filterSubject     string
	visibilityTimeout time.Duration
	maxMessages       int

	running bool
}

// Consume starts consuming messages and calls the handler for each.
// This blocks until the context is cancelled.
func (c *Consumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	c.running = true
	slog.Info("Starting SQLite queue consumer", "consumer", c.name)

	for {
		select {
		case <-ctx.Done():
			c.running = false
			slog.Info("SQLite queue consumer context cancelled, stopping", "consumer", c.name)
			return ctx.Err()
		default:
		}

		count, err := c.pollMessages(ctx, handler)
		if err != nil {
			slog.Error("Error polling SQLite queue", "error", err, "consumer", c.name)
			time.Sleep(time.Second)
			continue
		}

		if count == 0 {
			time.Sleep(500 * time.Millisecond)
		} else if count < c.maxMessages {
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// row mirrors a single polled message row.
type row struct {
	id            int64
	brokerID      string
	subject       string
	groupID       string
	payload       []byte
	metadata      string
	receiptHandle string
	deliveryCount int
}

// pollMessages selects visible rows and atomically rotates each selected
// row's receipt handle and visibility window before invoking the handler.
//
// FIFO groups are locked the way SQS FIFO locks a message group: a group
// with any row currently in flight (visible_at in the future, whether from
// a prior claim or an explicit NACK delay) is withheld entirely, but a
// group with no in-flight row can hand back several of its ready messages,
// in order, within the same poll - that's what lets the router's cascade
// failure handling see more than one message of a group in a batch.
func (c *Consumer) pollMessages(ctx context.Context, handler func(queue.Message) error) (int, error) {
	now := time.Now().UnixMilli()

	lockedGroups := make(map[string]bool)
	lockRows, err := c.db.QueryContext(ctx, `SELECT DISTINCT group_id FROM messages WHERE group_id != '' AND visible_at > ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to query locked groups: %w", err)
	}
	for lockRows.Next() {
		var g string
		if err := lockRows.Scan(&g); err != nil {
			lockRows.Close()
			return 0, fmt.Errorf("failed to scan locked group: %w", err)
		}
		lockedGroups[g] = true
	}
	lockRows.Close()

	query := `SELECT id, broker_message_id, subject, group_id, payload, metadata, receipt_handle, delivery_count
	          FROM messages WHERE visible_at <= ?`
	args := []interface{}{now}
	if c.filterSubject != "" {
		query += ` AND subject = ?`
		args = append(args, c.filterSubject)
	}
	query += ` ORDER BY group_id, inserted_at LIMIT ?`
	args = append(args, c.maxMessages*4) // over-fetch; locked groups and the cap trim below

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to poll messages: %w", err)
	}

	var candidates []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.brokerID, &r.subject, &r.groupID, &r.payload, &r.metadata, &r.receiptHandle, &r.deliveryCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan message row: %w", err)
		}
		if r.groupID != "" && lockedGroups[r.groupID] {
			continue
		}
		candidates = append(candidates, r)
		if len(candidates) >= c.maxMessages {
			break
		}
	}
	rows.Close()

	processed := 0
	visibleUntil := time.Now().Add(c.visibilityTimeout).UnixMilli()
	for _, r := range candidates {
		newReceipt := uuid.NewString()
		result, err := c.db.ExecContext(ctx, `
			UPDATE messages SET receipt_handle = ?, visible_at = ?, delivery_count = delivery_count + 1
			WHERE id = ? AND visible_at <= ?`,
			newReceipt, visibleUntil, r.id, now,
		)
		if err != nil {
			slog.Error("Failed to claim message", "error", err, "id", r.id)
			continue
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			// Lost the race to another poller; skip.
			continue
		}

		metadata := map[string]string{}
		_ = json.Unmarshal([]byte(r.metadata), &metadata)

		msg := &Message{
			db:                c.db,
			id:                r.id,
			brokerID:          r.brokerID,
			subject:           r.subject,
			groupID:           r.groupID,
			payload:           r.payload,
			metadata:          metadata,
			receiptHandle:     newReceipt,
			visibilityTimeout: c.visibilityTimeout,
		}

		if err := handler(msg); err != nil {
			slog.Error("Message handler error", "error", err, "brokerMessageId", r.brokerID, "consumer", c.name)
		}
		processed++
	}

	return processed, nil
}

// Close stops the consumer.
func (c *Consumer) Close() error {
	c.running = false
	return nil
}

// Message wraps a claimed row with visibility control matching the SQS
// broker variant's contract (fast-fail/default/max visibility windows,
// receipt handle rotation on redelivery).
type Message struct {
	db                *sql.DB
	id                int64
	brokerID          string
	subject           string
	groupID           string
	payload           []byte
	metadata          map[string]string
	receiptHandle     string
	visibilityTimeout time.Duration
}

// ID returns the broker message id.
func (m *Message) ID() string { return m.brokerID }

// Data returns the message payload.
func (m *Message) Data() []byte { return m.payload }

// Subject returns the message subject.
func (m *Message) Subject() string { return m.subject }

// MessageGroup returns the FIFO message group id.
func (m *Message) MessageGroup() string { return m.groupID }

// Metadata returns message metadata.
func (m *Message) Metadata() map[string]string { return m.metadata }

// Ack acknowledges successful processing by deleting the row. Returns
// queue.ErrReceiptHandleExpired if another poller already rotated the
// receipt handle out from under this one (the row was redelivered before
// this ack landed).
func (m *Message) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := m.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND receipt_handle = ?`, m.id, m.receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("delete failed for %s: %w", m.brokerID, queue.ErrReceiptHandleExpired)
	}
	return nil
}

// Nak is a no-op; the message becomes visible again once its visibility
// window (already set on claim) elapses.
func (m *Message) Nak() error {
	return nil
}

// NakWithDelay sets a custom visibility delay before redelivery.
func (m *Message) NakWithDelay(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if delay > MaxVisibilitySeconds*time.Second {
		delay = MaxVisibilitySeconds * time.Second
	}
	return m.changeVisibility(delay)
}

// InProgress extends the processing deadline by the default visibility window.
func (m *Message) InProgress() error {
	return m.changeVisibility(m.visibilityTimeout)
}

// SetFastFailVisibility sets visibility to 10 seconds for rate limit retries.
func (m *Message) SetFastFailVisibility() error {
	return m.changeVisibility(FastFailVisibilitySeconds * time.Second)
}

// ResetVisibilityToDefault resets visibility to 30 seconds for real failures.
func (m *Message) ResetVisibilityToDefault() error {
	return m.changeVisibility(DefaultVisibilitySeconds * time.Second)
}

func (m *Message) changeVisibility(delay time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	visibleAt := time.Now().Add(delay).UnixMilli()
	_, err := m.db.ExecContext(ctx, `UPDATE messages SET visible_at = ? WHERE id = ? AND receipt_handle = ?`, visibleAt, m.id, m.receiptHandle)
	if err != nil {
		return fmt.Errorf("failed to change message visibility: %w", err)
	}
	return nil
}

// UpdateReceiptHandle updates the receipt handle (called on redelivery detection).
func (m *Message) UpdateReceiptHandle(newReceiptHandle string) {
	m.receiptHandle = newReceiptHandle
}

// GetReceiptHandle returns the current receipt handle.
func (m *Message) GetReceiptHandle() string {
	return m.receiptHandle
}

var (
	_ queue.Message              = (*Message)(nil)
	_ queue.ReceiptHandleUpdatable = (*Message)(nil)
	_ queue.Publisher             = (*Publisher)(nil)
	_ queue.Consumer              = (*Consumer)(nil)
)
