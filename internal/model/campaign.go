// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "draft"
	StatusScheduled CampaignStatus = "scheduled"
	StatusSending   CampaignStatus = "sending"
	StatusPaused    CampaignStatus = "paused"
	StatusSent      CampaignStatus = "sent"
	StatusCancelled CampaignStatus = "cancelled"
	StatusFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s CampaignStatus) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusFailed
}

type CampaignKind string

const (
	KindConversion  CampaignKind = "conversion"
	KindSubscribers CampaignKind = "subscribers"
	KindCustomers   CampaignKind = "customers"
)

func (k CampaignKind) Valid() bool {
	switch k {
	case KindConversion, KindSubscribers, KindCustomers:
		return true
	}
	return false
}

type Campaign struct {
	ID              int            `db:"id" json:"id"`
	Name            string         `db:"name" json:"name"`
	Kind            CampaignKind   `db:"kind" json:"kind"`
	Status          CampaignStatus `db:"status" json:"status"`
	Filter          AudienceFilter `db:"audience_filter" json:"audience_filter"`
	Subject         string         `db:"subject" json:"subject"`
	TemplateRef     string         `db:"template_ref" json:"template_ref"`
	Params          Params         `db:"params" json:"params,omitempty"`
	TotalRecipients int            `db:"total_recipients" json:"total_recipients"`
	SentCount       int            `db:"sent_count" json:"sent_count"`
	FailedCount     int            `db:"failed_count" json:"failed_count"`
	ScheduledAt     *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	StartedAt       *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt       *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// AudienceFilter narrows the audience source picked by the campaign kind.
type AudienceFilter struct {
	// Statuses restricts subscriber campaigns to these subscription statuses.
	// Empty means "active".
	Statuses []string `json:"statuses,omitempty"`
	// OrderedBefore restricts customer campaigns to buyers whose first order
	// predates the cutoff.
	OrderedBefore *time.Time `json:"ordered_before,omitempty"`
	// AllAccounts switches customer campaigns from buyers to every registered account.
	AllAccounts bool `json:"all_accounts,omitempty"`
	// BaseURL is used to build frozen per-recipient links.
	BaseURL string `json:"base_url,omitempty"`
}

func (f AudienceFilter) Value() (driver.Value, error) {
	return json.Marshal(f)
}

func (f *AudienceFilter) Scan(src any) error {
	return scanJSON(src, f)
}

// Params is a flat set of template parameters stored as JSONB.
type Params map[string]string

func (p Params) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *Params) Scan(src any) error {
	return scanJSON(src, p)
}

// Clone returns an independent copy.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
