package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type UsageRepositoryInterface interface {
	// Increment adds n to the month's counter and returns the new total.
	Increment(ctx context.Context, month string, n int) (int, error)
	Get(ctx context.Context, month string) (*model.MonthlyUsageCounter, error)
}

type UsageRepository struct {
	DB *sql.DB
}

func (r *UsageRepository) Increment(ctx context.Context, month string, n int) (int, error) {
	var total int
	err := r.DB.QueryRowContext(ctx, `
		INSERT INTO monthly_usage (month, sent, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (month) DO UPDATE SET sent = monthly_usage.sent + EXCLUDED.sent, updated_at = NOW()
		RETURNING sent
	`, month, n).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to increment usage for %s: %w", month, err)
	}
	return total, nil
}

func (r *UsageRepository) Get(ctx context.Context, month string) (*model.MonthlyUsageCounter, error) {
	var u model.MonthlyUsageCounter
	err := r.DB.QueryRowContext(ctx, `SELECT month, sent, updated_at FROM monthly_usage WHERE month=$1`, month).
		Scan(&u.Month, &u.Sent, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.MonthlyUsageCounter{Month: month}, nil
		}
		return nil, err
	}
	return &u, nil
}

var _ UsageRepositoryInterface = (*UsageRepository)(nil)
