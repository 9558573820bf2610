// internal/model/page.go
package model

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Page selects a window of a log ordered by creation time.
type Page struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Order  Order `json:"order"`
}

// Normalize clamps the page to sane bounds. Oldest first unless asked
// otherwise, so an offset stays put while new entries are appended.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Order != OrderDesc {
		p.Order = OrderAsc
	}
	return p
}
