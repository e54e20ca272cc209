package models

import (
	"encoding/json"
	"time"
)

const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
	DeliveryStatusDead       = "dead"
	DeliveryStatusIgnored    = "ignored"
)

const ProviderClerk = "clerk"

// WebhookDelivery is a ledger row for one inbound webhook message.
type WebhookDelivery struct {
	ID            string          `db:"id" json:"id" msgpack:"id"`
	Provider      string          `db:"provider" json:"provider" msgpack:"provider"`
	DeliveryID    string          `db:"delivery_id" json:"delivery_id" msgpack:"delivery_id"`
	EventType     string          `db:"event_type" json:"event_type" msgpack:"event_type"`
	Payload       json.RawMessage `db:"payload" json:"payload" msgpack:"payload"`
	Status        string          `db:"status" json:"status" msgpack:"status"`
	Attempts      int             `db:"attempts" json:"attempts" msgpack:"attempts"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty" msgpack:"-"`
	NextAttemptAt *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty" msgpack:"-"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at" msgpack:"-"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at" msgpack:"-"`
}

// Terminal reports whether no further processing will happen for d.
func (d *WebhookDelivery) Terminal() bool {
	switch d.Status {
	case DeliveryStatusProcessed, DeliveryStatusDead, DeliveryStatusIgnored:
		return true
	}
	return false
}

// DeliveryFilter narrows ledger listings.
type DeliveryFilter struct {
	Status    string
	EventType string
}

// ClerkEvent is the envelope Clerk sends for every webhook.
type ClerkEvent struct {
	Type      string          `json:"type"`
	Object    string          `json:"object"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}
