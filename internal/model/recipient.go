package model

import "time"

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"

	// Set by the provider webhook handler only.
	RecipientDelivered RecipientStatus = "delivered"
	RecipientOpened    RecipientStatus = "opened"
	RecipientClicked   RecipientStatus = "clicked"
	RecipientBounced   RecipientStatus = "bounced"
)

type Recipient struct {
	ID                int             `db:"id" json:"id"`
	CampaignID        int             `db:"campaign_id" json:"campaign_id"`
	Email             string          `db:"email" json:"email"`
	Name              string          `db:"name" json:"name"`
	Status            RecipientStatus `db:"status" json:"status"`
	VariantID         *int            `db:"variant_id" json:"variant_id,omitempty"`
	Params            Params          `db:"params" json:"params,omitempty"`
	ProviderMessageID string          `db:"provider_message_id" json:"provider_message_id,omitempty"`
	LastError         string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// StatusCounts is a tally of recipients per status for one campaign.
type StatusCounts map[RecipientStatus]int

func (c StatusCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// Sent counts every recipient that left the engine successfully, including
// those a webhook has since advanced.
func (c StatusCounts) Sent() int {
	return c[RecipientSent] + c[RecipientDelivered] + c[RecipientOpened] + c[RecipientClicked] + c[RecipientBounced]
}
