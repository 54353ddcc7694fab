package model

import "time"

// Audit actions written to campaign_history.
const (
	ActionCreated    = "campaign.created"
	ActionDuplicated = "campaign.duplicated"
	ActionScheduled  = "campaign.scheduled"
	ActionStarted    = "campaign.started"
	ActionPaused     = "campaign.paused"
	ActionResumed    = "campaign.resumed"
	ActionCancelled  = "campaign.cancelled"
	ActionCompleted  = "campaign.completed"
	ActionFailed     = "campaign.failed"
	ActionUnschedule = "campaign.unscheduled"
	ActionBatchDone  = "campaign.batch_processed"
	ActionReconciled = "campaign.counters_reconciled"
)

type CampaignHistoryEntry struct {
	ID         int            `db:"id" json:"id"`
	CampaignID int            `db:"campaign_id" json:"campaign_id"`
	Action     string         `db:"action" json:"action"`
	Actor      string         `db:"actor" json:"actor"`
	Metadata   map[string]any `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// MonthlyUsageCounter tracks send volume against the provider plan cap.
type MonthlyUsageCounter struct {
	Month     string    `db:"month" json:"month"` // YYYY-MM
	Sent      int       `db:"sent" json:"sent"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UsageMonth formats t as the usage counter key.
func UsageMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// SendLogEntry is one row of the per-send log.
type SendLogEntry struct {
	CampaignID        int       `db:"campaign_id"`
	RecipientID       int       `db:"recipient_id"`
	VariantID         *int      `db:"variant_id"`
	Email             string    `db:"email"`
	Subject           string    `db:"subject"`
	ProviderMessageID string    `db:"provider_message_id"`
	SentAt            time.Time `db:"sent_at"`
}
