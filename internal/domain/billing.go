/**
 * @description
 * This file defines the core domain models for the billing-service.
 * It includes the BillingRecord struct that maps to the user_billing table,
 * the processor subscription statuses, and the event emitted once a
 * subscription has been provisioned.
 */
package domain

import (
	"strings"
	"time"
)

// SubscriptionStatus mirrors the payment processor's subscription vocabulary.
type SubscriptionStatus string

const (
	StatusCreated       SubscriptionStatus = "created"
	StatusAuthenticated SubscriptionStatus = "authenticated"
	StatusActive        SubscriptionStatus = "active"
	StatusPending       SubscriptionStatus = "pending"
	StatusHalted        SubscriptionStatus = "halted"
	StatusCancelled     SubscriptionStatus = "cancelled"
	StatusCompleted     SubscriptionStatus = "completed"
	StatusExpired       SubscriptionStatus = "expired"
	StatusPaused        SubscriptionStatus = "paused"
)

var knownStatuses = map[SubscriptionStatus]struct{}{
	StatusCreated:       {},
	StatusAuthenticated: {},
	StatusActive:        {},
	StatusPending:       {},
	StatusHalted:        {},
	StatusCancelled:     {},
	StatusCompleted:     {},
	StatusExpired:       {},
	StatusPaused:        {},
}

// ParseSubscriptionStatus maps a raw processor status onto SubscriptionStatus.
// A blank value maps to StatusCreated; anything else is kept exactly as the
// processor sent it. The boolean reports whether the status is one the
// service recognizes.
func ParseSubscriptionStatus(raw string) (SubscriptionStatus, bool) {
	if strings.TrimSpace(raw) == "" {
		return StatusCreated, true
	}
	status := SubscriptionStatus(raw)
	_, ok := knownStatuses[status]
	return status, ok
}

// IsActive reports whether the subscription is live. An active record must
// never be overwritten by the provisioning workflow.
func (s SubscriptionStatus) IsActive() bool {
	return s == StatusActive
}

func (s SubscriptionStatus) String() string {
	return string(s)
}

// Identity is the caller as resolved by the identity provider.
type Identity struct {
	UserID string `json:"id"`
	Email  string `json:"email"`
}

// DisplayName is the name given to the processor customer: the email when
// known, otherwise the user id.
func (i Identity) DisplayName() string {
	if strings.TrimSpace(i.Email) != "" {
		return i.Email
	}
	return i.UserID
}

// BillingRecord represents a row of the user_billing table. There is at most
// one record per user.
type BillingRecord struct {
	UserID                  string             `json:"user_id"`
	ProcessorCustomerID     *string            `json:"razorpay_customer_id"`
	ProcessorSubscriptionID *string            `json:"razorpay_subscription_id"`
	Status                  SubscriptionStatus `json:"subscription_status"`
	TrialEndsAt             *time.Time         `json:"trial_ends_at"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end"`
	UpdatedAt               time.Time          `json:"updated_at"`
}

// CustomerID returns the stored processor customer id, or "" when none is on record.
func (r *BillingRecord) CustomerID() string {
	if r == nil || r.ProcessorCustomerID == nil {
		return ""
	}
	return strings.TrimSpace(*r.ProcessorCustomerID)
}

// PeriodEndFromEpoch converts the processor's period-end epoch seconds into
// an absolute timestamp. A nil or non-positive epoch yields nil.
func PeriodEndFromEpoch(epoch *int64) *time.Time {
	if epoch == nil || *epoch <= 0 {
		return nil
	}
	t := time.Unix(*epoch, 0).UTC()
	return &t
}

// SubscriptionCreatedEvent is published after the billing record has been written.
type SubscriptionCreatedEvent struct {
	EventID                 string             `json:"event_id"`
	UserID                  string             `json:"user_id"`
	ProcessorCustomerID     string             `json:"razorpay_customer_id"`
	ProcessorSubscriptionID string             `json:"razorpay_subscription_id"`
	PlanID                  string             `json:"plan_id"`
	Status                  SubscriptionStatus `json:"subscription_status"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	OccurredAt              time.Time          `json:"occurred_at"`
}
