package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type UnsubscribeRepositoryInterface interface {
	IsUnsubscribed(ctx context.Context, email string) (bool, error)
	Add(ctx context.Context, email, source string) error
}

// UnsubscribeRepository reads the global unsubscribe list.
type UnsubscribeRepository struct {
	DB *sql.DB
}

func (r *UnsubscribeRepository) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM email_unsubscribes WHERE email = $1)
	`, strings.ToLower(email)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (r *UnsubscribeRepository) Add(ctx context.Context, email, source string) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO email_unsubscribes (email, source, created_at) VALUES ($1, $2, NOW())
	`, strings.ToLower(email), source)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to add unsubscribe: %w", err)
	}
	return nil
}

var _ UnsubscribeRepositoryInterface = (*UnsubscribeRepository)(nil)
