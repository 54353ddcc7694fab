package model

import "time"

// Variant is one A/B alternative within a campaign. Nil overrides fall back to
// the campaign defaults.
type Variant struct {
	ID          int       `db:"id" json:"id"`
	CampaignID  int       `db:"campaign_id" json:"campaign_id"`
	Label       string    `db:"label" json:"label"`
	Subject     *string   `db:"subject" json:"subject,omitempty"`
	TemplateRef *string   `db:"template_ref" json:"template_ref,omitempty"`
	Params      Params    `db:"params" json:"params,omitempty"`
	Percentage  int       `db:"percentage" json:"percentage"`
	SentCount   int       `db:"sent_count" json:"sent_count"`
	Delivered   int       `db:"delivered_count" json:"delivered_count"`
	Opened      int       `db:"opened_count" json:"opened_count"`
	Clicked     int       `db:"clicked_count" json:"clicked_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
