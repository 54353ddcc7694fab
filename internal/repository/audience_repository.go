package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// AudienceRepositoryInterface reads the storefront tables a recipient set is
// built from.
type AudienceRepositoryInterface interface {
	ListConversionTargets(ctx context.Context, now time.Time, limit int) ([]model.ConversionTarget, error)
	ListSubscriptions(ctx context.Context, statuses []string, limit int) ([]model.Subscription, error)
	UsersByIDs(ctx context.Context, ids []int) (map[int]model.User, error)
	ListBuyers(ctx context.Context, orderedBefore *time.Time, limit int) ([]model.Buyer, error)
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
}

type AudienceRepository struct {
	DB *sql.DB
}

// ListConversionTargets returns pending, unexpired, consenting token holders.
func (r *AudienceRepository) ListConversionTargets(ctx context.Context, now time.Time, limit int) ([]model.ConversionTarget, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, email, COALESCE(name, ''), token, marketing_consent, expires_at, consumed_at,
		       COALESCE(product_name, ''), COALESCE(price_cents, 0), COALESCE(currency, '')
		FROM conversion_tokens
		WHERE consumed_at IS NULL AND expires_at > $1 AND marketing_consent = TRUE
		ORDER BY id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	targets := []model.ConversionTarget{}
	for rows.Next() {
		var t model.ConversionTarget
		if err := rows.Scan(&t.ID, &t.Email, &t.Name, &t.Token, &t.Consent, &t.ExpiresAt, &t.ConsumedAt,
			&t.Product, &t.PriceCents, &t.Currency); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (r *AudienceRepository) ListSubscriptions(ctx context.Context, statuses []string, limit int) ([]model.Subscription, error) {
	if len(statuses) == 0 {
		statuses = []string{"active"}
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, user_id, status, plan_name, price_cents, currency, renews_at
		FROM subscriptions
		WHERE status = ANY($1)
		ORDER BY id
		LIMIT $2
	`, pq.Array(statuses), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Status, &s.PlanName, &s.PriceCents, &s.Currency, &s.RenewsAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// UsersByIDs resolves contact identity for a batch of user ids in one query.
func (r *AudienceRepository) UsersByIDs(ctx context.Context, ids []int) (map[int]model.User, error) {
	out := make(map[int]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]int64, len(ids))
	for i, id := range ids {
		keys[i] = int64(id)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, '')
		FROM users WHERE id = ANY($1)
	`, pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

// ListBuyers returns one row per ordering address, optionally restricted to
// buyers whose first order predates orderedBefore.
func (r *AudienceRepository) ListBuyers(ctx context.Context, orderedBefore *time.Time, limit int) ([]model.Buyer, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT LOWER(email), MAX(COALESCE(customer_name, '')), MAX(user_id), MIN(created_at), COUNT(*)
		FROM orders
		GROUP BY LOWER(email)
		HAVING $1::timestamptz IS NULL OR MIN(created_at) < $1::timestamptz
		ORDER BY MIN(created_at)
		LIMIT $2
	`, orderedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := []model.Buyer{}
	for rows.Next() {
		var b model.Buyer
		var userID sql.NullInt64
		if err := rows.Scan(&b.Email, &b.Name, &userID, &b.FirstOrderAt, &b.OrderCount); err != nil {
			return nil, err
		}
		if userID.Valid {
			id := int(userID.Int64)
			b.UserID = &id
		}
		buyers = append(buyers, b)
	}
	return buyers, rows.Err()
}

func (r *AudienceRepository) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, email, COALESCE(first_name, ''), COALESCE(last_name, '')
		FROM users ORDER BY id LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []model.User{}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

var _ AudienceRepositoryInterface = (*AudienceRepository)(nil)
