package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownPlan = errors.New("billing: unknown plan")

// Plan is the credit allotment bought by one provider price.
type Plan struct {
	PriceID     string `yaml:"price_id" json:"price_id"`
	Credits     int64  `yaml:"credits" json:"credits"`
	DisplayName string `yaml:"name" json:"name"`
}

// PlanCatalog maps provider price ids to plans. It is validated once at
// construction and read-only afterwards.
type PlanCatalog struct {
	plans map[string]Plan
}

func NewPlanCatalog(plans []Plan) (*PlanCatalog, error) {
	if len(plans) == 0 {
		return nil, errors.New("billing: plan catalog is empty")
	}
	c := &PlanCatalog{plans: make(map[string]Plan, len(plans))}
	for i, p := range plans {
		p.PriceID = strings.TrimSpace(p.PriceID)
		switch {
		case p.PriceID == "":
			return nil, fmt.Errorf("billing: plan %d has no price id", i)
		case p.Credits <= 0:
			return nil, fmt.Errorf("billing: plan %s must grant a positive number of credits", p.PriceID)
		case strings.TrimSpace(p.DisplayName) == "":
			return nil, fmt.Errorf("billing: plan %s has no name", p.PriceID)
		}
		if _, dup := c.plans[p.PriceID]; dup {
			return nil, fmt.Errorf("billing: duplicate plan for price %s", p.PriceID)
		}
		c.plans[p.PriceID] = p
	}
	return c, nil
}

func (c *PlanCatalog) Lookup(priceID string) (Plan, error) {
	p, ok := c.plans[priceID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: price %q", ErrUnknownPlan, priceID)
	}
	return p, nil
}

// Plans lists the catalog ordered by price id.
func (c *PlanCatalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceID < out[j].PriceID })
	return out
}
