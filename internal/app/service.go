/**
 * @description
 * This file contains the core business logic for the billing service.
 * The Service orchestrates the billing repository and the payment processor
 * to provision a recurring subscription for an authenticated user: it reads
 * the existing billing state, resolves or creates the processor customer,
 * validates the plan and customer ids, creates the subscription and records
 * the result. Stages run strictly in order and the first failure ends the run.
 */
package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/billing-service/internal/domain"
	"github.com/transfa/billing-service/internal/store"
	"github.com/transfa/billing-service/pkg/razorpayclient"
)

const (
	// DefaultTotalCount is the number of billing cycles requested for a new subscription.
	DefaultTotalCount = 12

	subscriptionCreatedRoutingKey = "billing.subscription.created"
)

// Repository defines the interface for billing record storage that the service needs.
type Repository interface {
	GetBillingByUserID(ctx context.Context, userID string) (*domain.BillingRecord, error)
	UpsertBilling(ctx context.Context, record *domain.BillingRecord) error
}

// PaymentProcessor is the subset of the Razorpay API the workflow calls.
type PaymentProcessor interface {
	CreateCustomer(ctx context.Context, req razorpayclient.CreateCustomerRequest) (*razorpayclient.Customer, error)
	GetPlan(ctx context.Context, planID string) (*razorpayclient.Plan, error)
	GetCustomer(ctx context.Context, customerID string) (*razorpayclient.Customer, error)
	CreateSubscription(ctx context.Context, req razorpayclient.CreateSubscriptionRequest) (*razorpayclient.Subscription, error)
}

// EventPublisher publishes domain events to a message broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Settings are the processor-side values the workflow needs. They are fixed for the process lifetime.
type Settings struct {
	KeyID         string
	PlanID        string
	TotalCount    int
	EventExchange string
}

// Result is returned to the caller after a successful run.
type Result struct {
	KeyID          string
	CustomerID     string
	SubscriptionID string
	Status         domain.SubscriptionStatus
	ShortURL       string
}

// Service provides the business logic for subscription provisioning.
type Service struct {
	repo      Repository
	processor PaymentProcessor
	publisher EventPublisher
	settings  Settings
	now       func() time.Time
}

// NewService creates a new billing service. publisher may be nil.
func NewService(repo Repository, processor PaymentProcessor, publisher EventPublisher, settings Settings) *Service {
	if settings.TotalCount <= 0 {
		settings.TotalCount = DefaultTotalCount
	}
	return &Service{
		repo:      repo,
		processor: processor,
		publisher: publisher,
		settings:  settings,
		now:       time.Now,
	}
}

// CreateSubscription provisions a subscription for the verified caller.
// Every failure is returned as a *WorkflowError.
func (s *Service) CreateSubscription(ctx context.Context, identity domain.Identity) (*Result, error) {
	existing, err := s.loadBillingState(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	customerID, err := s.resolveCustomer(ctx, identity, existing)
	if err != nil {
		return nil, err
	}

	if err := s.validateIdentifiers(ctx, customerID); err != nil {
		return nil, err
	}

	subscription, err := s.processor.CreateSubscription(ctx, razorpayclient.CreateSubscriptionRequest{
		PlanID:     s.settings.PlanID,
		CustomerID: customerID,
		TotalCount: s.settings.TotalCount,
		Notes:      map[string]string{"user_id": identity.UserID},
	})
	if err != nil {
		wfErr := callFailure("Failed to create subscription", err)
		wfErr.Fields["debug"] = map[string]interface{}{
			"plan_id":     s.settings.PlanID,
			"customer_id": customerID,
		}
		return nil, wfErr
	}

	record := s.buildRecord(identity.UserID, customerID, existing, subscription)
	if err := s.repo.UpsertBilling(ctx, record); err != nil {
		log.Printf("level=error component=billing_service op=upsert_billing user_id=%s subscription_id=%s err=%v", identity.UserID, subscription.ID, err)
		return nil, &WorkflowError{
			Kind:    KindPersistence,
			Message: "Failed to update billing record.",
			Fields:  map[string]interface{}{"details": err.Error()},
			Err:     err,
		}
	}

	s.publishCreated(ctx, record)

	log.Printf("level=info component=billing_service op=create_subscription user_id=%s customer_id=%s subscription_id=%s status=%s", identity.UserID, customerID, subscription.ID, record.Status)

	return &Result{
		KeyID:          s.settings.KeyID,
		CustomerID:     customerID,
		SubscriptionID: subscription.ID,
		Status:         record.Status,
		ShortURL:       subscription.ShortURL,
	}, nil
}

// loadBillingState returns the existing record (nil when absent) or rejects an active subscription.
func (s *Service) loadBillingState(ctx context.Context, userID string) (*domain.BillingRecord, error) {
	existing, err := s.repo.GetBillingByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrBillingNotFound) {
			return nil, nil
		}
		return nil, &WorkflowError{Kind: KindStoreRead, Message: err.Error(), Err: err}
	}
	if existing != nil && existing.Status.IsActive() {
		return nil, ErrAlreadyActive
	}
	return existing, nil
}

// resolveCustomer reuses the stored processor customer or creates one.
func (s *Service) resolveCustomer(ctx context.Context, identity domain.Identity, existing *domain.BillingRecord) (string, error) {
	if customerID := existing.CustomerID(); customerID != "" {
		return customerID, nil
	}

	customer, err := s.processor.CreateCustomer(ctx, razorpayclient.CreateCustomerRequest{
		Name: identity.DisplayName(),
		Notes: map[string]string{
			"user_id": identity.UserID,
			"email":   identity.Email,
		},
	})
	if err != nil {
		return "", callFailure("Failed to create customer", err)
	}
	if strings.TrimSpace(customer.ID) == "" {
		return "", callFailure("Failed to create customer", errCustomerWithoutID)
	}
	return customer.ID, nil
}

// validateIdentifiers confirms the plan and customer exist under the configured keys.
func (s *Service) validateIdentifiers(ctx context.Context, customerID string) error {
	if _, err := s.processor.GetPlan(ctx, s.settings.PlanID); err != nil {
		return validationFailure("plan_id", s.settings.PlanID, err)
	}
	if _, err := s.processor.GetCustomer(ctx, customerID); err != nil {
		return validationFailure("customer_id", customerID, err)
	}
	return nil
}

func (s *Service) buildRecord(userID, customerID string, existing *domain.BillingRecord, subscription *razorpayclient.Subscription) *domain.BillingRecord {
	now := s.now().UTC()

	trialEndsAt := now
	if existing != nil && existing.TrialEndsAt != nil {
		trialEndsAt = *existing.TrialEndsAt
	}

	status, known := domain.ParseSubscriptionStatus(subscription.Status)
	if !known {
		log.Printf("level=warn component=billing_service msg=\"unrecognized subscription status\" status=%q subscription_id=%s", subscription.Status, subscription.ID)
	}

	subscriptionID := subscription.ID
	return &domain.BillingRecord{
		UserID:                  userID,
		ProcessorCustomerID:     &customerID,
		ProcessorSubscriptionID: &subscriptionID,
		Status:                  status,
		TrialEndsAt:             &trialEndsAt,
		CurrentPeriodEnd:        domain.PeriodEndFromEpoch(subscription.CurrentEnd),
		UpdatedAt:               now,
	}
}

// publishCreated emits the subscription-created event. Failures are logged only;
// the billing record is already the source of truth.
func (s *Service) publishCreated(ctx context.Context, record *domain.BillingRecord) {
	if s.publisher == nil || s.settings.EventExchange == "" {
		return
	}

	event := domain.SubscriptionCreatedEvent{
		EventID:                 uuid.NewString(),
		UserID:                  record.UserID,
		ProcessorCustomerID:     *record.ProcessorCustomerID,
		ProcessorSubscriptionID: *record.ProcessorSubscriptionID,
		PlanID:                  s.settings.PlanID,
		Status:                  record.Status,
		CurrentPeriodEnd:        record.CurrentPeriodEnd,
		OccurredAt:              record.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, s.settings.EventExchange, subscriptionCreatedRoutingKey, event); err != nil {
		log.Printf("level=warn component=billing_service op=publish_event routing_key=%s user_id=%s err=%v", subscriptionCreatedRoutingKey, record.UserID, err)
	}
}
