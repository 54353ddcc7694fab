package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type RecipientRepositoryInterface interface {
	// InsertBatch is idempotent on (campaign_id, email); it returns how many
	// rows were actually created.
	InsertBatch(ctx context.Context, recipients []*model.Recipient) (int, error)
	FetchPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error)
	ListIDs(ctx context.Context, campaignID int) ([]int, error)
	AssignVariant(ctx context.Context, variantID int, recipientIDs []int) error

	// Mark* only move a recipient out of pending; terminal rows are left alone.
	MarkSent(ctx context.Context, id int, providerMessageID string) error
	MarkFailed(ctx context.Context, id int, lastError string) error
	MarkSkipped(ctx context.Context, id int, reason string) error

	StatusCounts(ctx context.Context, campaignID int) (model.StatusCounts, error)
	VariantStatusCounts(ctx context.Context, campaignID int) (map[int]model.StatusCounts, error)
}

type RecipientRepository struct {
	DB *sql.DB
}

const insertChunk = 1000

func (r *RecipientRepository) InsertBatch(ctx context.Context, recipients []*model.Recipient) (int, error) {
	inserted := 0
	for start := 0; start < len(recipients); start += insertChunk {
		end := min(start+insertChunk, len(recipients))
		n, err := r.insertChunk(ctx, recipients[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (r *RecipientRepository) insertChunk(ctx context.Context, chunk []*model.Recipient) (int, error) {
	if len(chunk) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()

	var sb strings.Builder
	sb.WriteString(`INSERT INTO campaign_recipients (campaign_id, email, name, status, params, created_at, updated_at) VALUES `)
	args := make([]any, 0, len(chunk)*6)
	for i, rc := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5, p+6, p+6)
		// created_at and updated_at share the same placeholder.
		args = append(args, rc.CampaignID, strings.ToLower(rc.Email), rc.Name, model.RecipientPending, rc.Params, now)
	}
	sb.WriteString(` ON CONFLICT (campaign_id, email) DO NOTHING`)

	res, err := r.DB.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert recipients: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RecipientRepository) FetchPending(ctx context.Context, campaignID, limit int) ([]*model.Recipient, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, campaign_id, email, name, status, variant_id, params,
		       COALESCE(provider_message_id, ''), COALESCE(last_error, ''), created_at, updated_at
		FROM campaign_recipients
		WHERE campaign_id=$1 AND status='pending'
		ORDER BY created_at, id
		LIMIT $2
	`, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batch := []*model.Recipient{}
	for rows.Next() {
		var rc model.Recipient
		var variantID sql.NullInt64
		if err := rows.Scan(&rc.ID, &rc.CampaignID, &rc.Email, &rc.Name, &rc.Status, &variantID, &rc.Params,
			&rc.ProviderMessageID, &rc.LastError, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
			return nil, err
		}
		if variantID.Valid {
			v := int(variantID.Int64)
			rc.VariantID = &v
		}
		batch = append(batch, &rc)
	}
	return batch, rows.Err()
}

func (r *RecipientRepository) ListIDs(ctx context.Context, campaignID int) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM campaign_recipients WHERE campaign_id=$1 ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RecipientRepository) AssignVariant(ctx context.Context, variantID int, recipientIDs []int) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	ids := make([]int64, len(recipientIDs))
	for i, id := range recipientIDs {
		ids[i] = int64(id)
	}
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_recipients SET variant_id=$1, updated_at=NOW() WHERE id = ANY($2)
	`, variantID, pq.Array(ids))
	return err
}

func (r *RecipientRepository) markOutcome(ctx context.Context, id int, status model.RecipientStatus, messageID, lastError string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status=$1, provider_message_id=NULLIF($2, ''), last_error=NULLIF($3, ''), updated_at=NOW()
		WHERE id=$4 AND status='pending'
	`, status, messageID, lastError, id)
	return err
}

func (r *RecipientRepository) MarkSent(ctx context.Context, id int, providerMessageID string) error {
	return r.markOutcome(ctx, id, model.RecipientSent, providerMessageID, "")
}

func (r *RecipientRepository) MarkFailed(ctx context.Context, id int, lastError string) error {
	return r.markOutcome(ctx, id, model.RecipientFailed, "", lastError)
}

func (r *RecipientRepository) MarkSkipped(ctx context.Context, id int, reason string) error {
	return r.markOutcome(ctx, id, model.RecipientSkipped, "", reason)
}

func (r *RecipientRepository) StatusCounts(ctx context.Context, campaignID int) (model.StatusCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := model.StatusCounts{model.RecipientPending: 0, model.RecipientSent: 0, model.RecipientFailed: 0}
	for rows.Next() {
		var status model.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *RecipientRepository) VariantStatusCounts(ctx context.Context, campaignID int) (map[int]model.StatusCounts, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT variant_id, status, COUNT(*)
		FROM campaign_recipients
		WHERE campaign_id=$1 AND variant_id IS NOT NULL
		GROUP BY variant_id, status
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int]model.StatusCounts{}
	for rows.Next() {
		var variantID, count int
		var status model.RecipientStatus
		if err := rows.Scan(&variantID, &status, &count); err != nil {
			return nil, err
		}
		if out[variantID] == nil {
			out[variantID] = model.StatusCounts{}
		}
		out[variantID][status] = count
	}
	return out, rows.Err()
}

var _ RecipientRepositoryInterface = (*RecipientRepository)(nil)
