package model

import "time"

// User is a registered account. Subscribers and buyers resolve their contact
// identity through it.
type User struct {
	ID        int    `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
}

func (u User) DisplayName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return u.LastName
	}
}

// Subscription is a recurring plan held by a user.
type Subscription struct {
	ID         int       `db:"id" json:"id"`
	UserID     int       `db:"user_id" json:"user_id"`
	Status     string    `db:"status" json:"status"`
	PlanName   string    `db:"plan_name" json:"plan_name"`
	PriceCents int64     `db:"price_cents" json:"price_cents"`
	Currency   string    `db:"currency" json:"currency"`
	RenewsAt   time.Time `db:"renews_at" json:"renews_at"`
}

// Buyer is an address that has placed at least one order.
type Buyer struct {
	Email        string    `db:"email" json:"email"`
	Name         string    `db:"name" json:"name"`
	UserID       *int      `db:"user_id" json:"user_id,omitempty"`
	FirstOrderAt time.Time `db:"first_order_at" json:"first_order_at"`
	OrderCount   int       `db:"order_count" json:"order_count"`
}

// ConversionTarget holds a one-time action token, e.g. an abandoned checkout
// or an unclaimed offer.
type ConversionTarget struct {
	ID         int        `db:"id" json:"id"`
	Email      string     `db:"email" json:"email"`
	Name       string     `db:"name" json:"name"`
	Token      string     `db:"token" json:"token"`
	Consent    bool       `db:"marketing_consent" json:"marketing_consent"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at" json:"consumed_at,omitempty"`
	Product    string     `db:"product_name" json:"product_name"`
	PriceCents int64      `db:"price_cents" json:"price_cents"`
	Currency   string     `db:"currency" json:"currency"`
}

// Eligible reports whether the target can still convert at now.
func (t ConversionTarget) Eligible(now time.Time) bool {
	return t.Consent && t.ConsumedAt == nil && t.ExpiresAt.After(now)
}
