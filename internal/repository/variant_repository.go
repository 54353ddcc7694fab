package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type VariantRepositoryInterface interface {
	// Replace drops any previous configuration for the campaign and stores
	// variants in order, filling in their ids.
	Replace(ctx context.Context, campaignID int, variants []*model.Variant) error
	ListByCampaign(ctx context.Context, campaignID int) ([]*model.Variant, error)
	IncrementSent(ctx context.Context, variantID int) error
}

type VariantRepository struct {
	DB *sql.DB
}

func (r *VariantRepository) Replace(ctx context.Context, campaignID int, variants []*model.Variant) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE campaign_recipients SET variant_id=NULL WHERE campaign_id=$1`, campaignID); err != nil {
		return fmt.Errorf("failed to clear variant assignment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_variants WHERE campaign_id=$1`, campaignID); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}

	now := time.Now().UTC()
	for _, v := range variants {
		v.CampaignID = campaignID
		v.CreatedAt = now
		err := tx.QueryRowContext(ctx, `
			INSERT INTO campaign_variants (campaign_id, label, subject, template_ref, params, percentage, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, campaignID, v.Label, v.Subject, v.TemplateRef, v.Params, v.Percentage, now).Scan(&v.ID)
		if err != nil {
			return fmt.Errorf("failed to insert variant %q: %w", v.Label, err)
		}
	}
	return tx.Commit()
}

func (r *VariantRepository) ListByCampaign(ctx context.Context, campaignID int) ([]*model.Variant, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, campaign_id, label, subject, template_ref, params, percentage,
		       sent_count, delivered_count, opened_count, clicked_count, created_at
		FROM campaign_variants WHERE campaign_id=$1 ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	variants := []*model.Variant{}
	for rows.Next() {
		var v model.Variant
		var subject, templateRef sql.NullString
		if err := rows.Scan(&v.ID, &v.CampaignID, &v.Label, &subject, &templateRef, &v.Params, &v.Percentage,
			&v.SentCount, &v.Delivered, &v.Opened, &v.Clicked, &v.CreatedAt); err != nil {
			return nil, err
		}
		if subject.Valid {
			v.Subject = &subject.String
		}
		if templateRef.Valid {
			v.TemplateRef = &templateRef.String
		}
		variants = append(variants, &v)
	}
	return variants, rows.Err()
}

func (r *VariantRepository) IncrementSent(ctx context.Context, variantID int) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE campaign_variants SET sent_count=sent_count+1 WHERE id=$1`, variantID)
	return err
}

var _ VariantRepositoryInterface = (*VariantRepository)(nil)
