package store

import (
	"time"

	"github.com/google/uuid"
)

// Subscription status constants
const (
	StatusActive    = "active"
	StatusExpiring  = "expiring"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
)

// Customer is a subscriber record. Status is owned by the lifecycle
// tracker; the remaining fields are owned by operator-facing CRUD.
type Customer struct {
	ID               uuid.UUID  `json:"id"`
	Name             string     `json:"name"`
	PhoneAddress     string     `json:"phone_address"`
	ServiceName      string     `json:"service_name"`
	PlanName         string     `json:"plan_name"`
	ExpiryDate       time.Time  `json:"expiry_date"`
	Status           string     `json:"status"`
	LastReminderFor  *time.Time `json:"last_reminder_for,omitempty"`
	SuspensionReason *string    `json:"suspension_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Suspended reports whether operator suspension overrides the
// date-derived status.
func (c *Customer) Suspended() bool {
	return c.Status == StatusSuspended
}

// MessageRecord is one row of the append-only outbound message log.
type MessageRecord struct {
	ID        uuid.UUID     `json:"id"`
	Target    string        `json:"target"`
	Kind      string        `json:"kind"`
	Body      string        `json:"body"`
	Sent      bool          `json:"sent"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	CreatedAt time.Time     `json:"created_at"`
}
