/**
 * @description
 * This file implements the data access layer for the billing-service.
 * It contains the SQL for reading and upserting rows of the user_billing table.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/billing-service/internal/domain"
)

// ErrBillingNotFound is returned when the user has no billing record yet.
var ErrBillingNotFound = errors.New("billing record not found")

// PostgresRepository handles database operations for billing records.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetBillingByUserID retrieves the billing record for a given user ID.
func (r *PostgresRepository) GetBillingByUserID(ctx context.Context, userID string) (*domain.BillingRecord, error) {
	var (
		record    domain.BillingRecord
		status    *string
		updatedAt *time.Time
	)
	query := `
        SELECT user_id, razorpay_customer_id, razorpay_subscription_id, subscription_status,
               trial_ends_at, current_period_end, updated_at
        FROM user_billing
        WHERE user_id = $1
    `
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&record.UserID,
		&record.ProcessorCustomerID,
		&record.ProcessorSubscriptionID,
		&status,
		&record.TrialEndsAt,
		&record.CurrentPeriodEnd,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillingNotFound
		}
		return nil, err
	}
	if status != nil {
		record.Status = domain.SubscriptionStatus(*status)
	}
	if updatedAt != nil {
		record.UpdatedAt = *updatedAt
	}
	return &record, nil
}

// UpsertBilling inserts the record or replaces every column of the existing row for the user.
func (r *PostgresRepository) UpsertBilling(ctx context.Context, record *domain.BillingRecord) error {
	if record == nil || record.UserID == "" {
		return errors.New("billing record requires a user id")
	}
	query := `
        INSERT INTO user_billing (user_id, razorpay_customer_id, razorpay_subscription_id,
                                  subscription_status, trial_ends_at, current_period_end, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id) DO UPDATE SET
            razorpay_customer_id = EXCLUDED.razorpay_customer_id,
            razorpay_subscription_id = EXCLUDED.razorpay_subscription_id,
            subscription_status = EXCLUDED.subscription_status,
            trial_ends_at = EXCLUDED.trial_ends_at,
            current_period_end = EXCLUDED.current_period_end,
            updated_at = EXCLUDED.updated_at
    `
	_, err := r.db.Exec(ctx, query,
		record.UserID,
		record.ProcessorCustomerID,
		record.ProcessorSubscriptionID,
		string(record.Status),
		record.TrialEndsAt,
		record.CurrentPeriodEnd,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user_billing: %w", err)
	}
	return nil
}
