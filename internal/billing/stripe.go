package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"credit-ledger/internal/ledger"
)

// StripeVerifier checks the Stripe-Signature header against the endpoint
// secret and maps Stripe event types onto event kinds.
type StripeVerifier struct {
	secret  string
	options webhook.ConstructEventOptions
}

func NewStripeVerifier(secret string, tolerance time.Duration, ignoreAPIVersion bool) *StripeVerifier {
	return &StripeVerifier{
		secret: secret,
		options: webhook.ConstructEventOptions{
			Tolerance:                tolerance,
			IgnoreAPIVersionMismatch: ignoreAPIVersion,
		},
	}
}

func (v *StripeVerifier) Verify(payload []byte, signature string) (Event, error) {
	se, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, v.options)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ledger.ErrAuthenticationFailed, err)
	}
	return normalize(se)
}

func normalize(se stripe.Event) (Event, error) {
	ev := Event{ID: se.ID, RawType: string(se.Type), Kind: KindIgnored}

	switch se.Type {
	case "invoice.paid":
		var inv stripe.Invoice
		if err := decode(se, &inv); err != nil {
			return ev, err
		}
		if inv.BillingReason != stripe.InvoiceBillingReasonSubscriptionCycle {
			return ev, nil
		}
		ev.Kind = KindPaymentSucceededForRenewal
		ev.CustomerRef = customerID(inv.Customer)
		if inv.Subscription != nil {
			ev.SubscriptionID = inv.Subscription.ID
		}
		ev.PeriodStart, ev.PeriodEnd = unixTime(inv.PeriodStart), unixTime(inv.PeriodEnd)
		if inv.Lines != nil {
			for _, line := range inv.Lines.Data {
				if line.Price == nil || line.Price.Recurring == nil {
					continue
				}
				ev.PriceID = line.Price.ID
				if line.Period != nil {
					ev.PeriodStart, ev.PeriodEnd = unixTime(line.Period.Start), unixTime(line.Period.End)
				}
				break
			}
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := decode(se, &sub); err != nil {
			return ev, err
		}
		switch se.Type {
		case "customer.subscription.created":
			ev.Kind = KindSubscriptionCreated
		case "customer.subscription.updated":
			ev.Kind = KindSubscriptionUpdated
		default:
			ev.Kind = KindSubscriptionDeleted
		}
		ev.CustomerRef = customerID(sub.Customer)
		ev.SubscriptionID = sub.ID
		ev.PeriodStart, ev.PeriodEnd = unixTime(sub.CurrentPeriodStart), unixTime(sub.CurrentPeriodEnd)
		if sub.Items != nil {
			for _, item := range sub.Items.Data {
				if item.Price != nil && item.Price.Recurring != nil {
					ev.PriceID = item.Price.ID
					break
				}
			}
		}
	}
	return ev, nil
}

func decode(se stripe.Event, v any) error {
	if se.Data == nil || len(se.Data.Raw) == 0 {
		return fmt.Errorf("%w: event %s carries no object", ledger.ErrInvalidArgument, se.ID)
	}
	if err := json.Unmarshal(se.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: decode %s object: %v", ledger.ErrInvalidArgument, se.Type, err)
	}
	return nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
