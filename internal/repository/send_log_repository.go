package repository

import (
	"context"
	"database/sql"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type SendLogRepository struct {
	DB *sql.DB
}

func (r *SendLogRepository) Insert(ctx context.Context, e *model.SendLogEntry) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO email_send_log (campaign_id, recipient_id, variant_id, email, subject, provider_message_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.CampaignID, e.RecipientID, e.VariantID, e.Email, e.Subject, e.ProviderMessageID, e.SentAt)
	return err
}
