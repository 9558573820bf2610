package billing

import "time"

type Kind string

const (
	KindIgnored                    Kind = "ignored"
	KindPaymentSucceededForRenewal Kind = "payment_succeeded_for_renewal"
	KindSubscriptionCreated        Kind = "subscription_created"
	KindSubscriptionUpdated        Kind = "subscription_updated"
	KindSubscriptionDeleted        Kind = "subscription_deleted"
)

// Event is a verified provider notification reduced to what the ledger needs.
type Event struct {
	ID             string
	RawType        string
	Kind           Kind
	CustomerRef    string
	SubscriptionID string
	// PriceID is the recurring price the customer is subscribed to.
	PriceID     string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
}

// EventVerifier authenticates a raw notification and decodes it.
type EventVerifier interface {
	Verify(payload []byte, signature string) (Event, error)
}
