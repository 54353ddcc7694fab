package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// TransitionFunc mutates a locked campaign row and returns the audit entry to
// append in the same transaction. Returning an error rolls everything back.
type TransitionFunc func(c *model.Campaign) (*model.CampaignHistoryEntry, error)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error)
	GetStatus(ctx context.Context, id int) (model.CampaignStatus, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]int, error)

	// Transition locks the row, applies fn and persists status, timestamps,
	// total_recipients and scheduled_at together with the audit entry.
	Transition(ctx context.Context, id int, fn TransitionFunc) (*model.Campaign, error)

	// Counters are a cache of recipient statuses.
	IncrementCounters(ctx context.Context, id, sent, failed int) error
	SetCounters(ctx context.Context, id, total, sent, failed int) error

	// History
	AppendHistory(ctx context.Context, e *model.CampaignHistoryEntry) error
	ListHistory(ctx context.Context, campaignID int) ([]*model.CampaignHistoryEntry, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, kind, status, audience_filter, subject, template_ref, params,
	total_recipients, sent_count, failed_count, scheduled_at, created_at, started_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.Status, &c.Filter, &c.Subject, &c.TemplateRef, &c.Params,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.ScheduledAt, &c.CreatedAt, &c.StartedAt,
		&c.CompletedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.StatusDraft
	}
	query := `
		INSERT INTO campaigns (name, kind, status, audience_filter, subject, template_ref, params, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.DB.QueryRowContext(ctx, query, c.Name, c.Kind, c.Status, c.Filter, c.Subject, c.TemplateRef,
		c.Params, c.ScheduledAt, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) GetStatus(ctx context.Context, id int) (model.CampaignStatus, error) {
	var status model.CampaignStatus
	err := r.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.NewCampaignNotFound(id)
		}
		return "", err
	}
	return status, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, kind, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if kind != "" {
		where += fmt.Sprintf(" AND kind=$%d", argPos)
		args = append(args, kind)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status='scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at, id
	`, now)
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

func (r *CampaignRepository) Transition(ctx context.Context, id int, fn TransitionFunc) (*model.Campaign, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}

	entry, err := fn(c)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.UpdatedAt = &now
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status=$1, total_recipients=$2, scheduled_at=$3, started_at=$4, completed_at=$5, updated_at=$6
		WHERE id=$7
	`, c.Status, c.TotalRecipients, c.ScheduledAt, c.StartedAt, c.CompletedAt, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update campaign status: %w", err)
	}

	if entry != nil {
		entry.CampaignID = id
		if err := insertHistory(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) IncrementCounters(ctx context.Context, id, sent, failed int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET sent_count=sent_count+$1, failed_count=failed_count+$2, updated_at=NOW()
		WHERE id=$3
	`, sent, failed, id)
	return err
}

func (r *CampaignRepository) SetCounters(ctx context.Context, id, total, sent, failed int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaigns SET total_recipients=$1, sent_count=$2, failed_count=$3, updated_at=NOW()
		WHERE id=$4
	`, total, sent, failed, id)
	return err
}

// ====================== History ======================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertHistory(ctx context.Context, ex execer, e *model.CampaignHistoryEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil || e.Metadata == nil {
		metadata = []byte("{}")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO campaign_history (campaign_id, action, actor, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.CampaignID, e.Action, e.Actor, metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append campaign history: %w", err)
	}
	return nil
}

func (r *CampaignRepository) AppendHistory(ctx context.Context, e *model.CampaignHistoryEntry) error {
	return insertHistory(ctx, r.DB, e)
}

func (r *CampaignRepository) ListHistory(ctx context.Context, campaignID int) ([]*model.CampaignHistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, campaign_id, action, actor, metadata, created_at
		FROM campaign_history WHERE campaign_id=$1 ORDER BY id
	`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*model.CampaignHistoryEntry{}
	for rows.Next() {
		var e model.CampaignHistoryEntry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.Action, &e.Actor, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
