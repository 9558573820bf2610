package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

const (
	usagePrefix = "usage"
	grantPrefix = "grant"
)

func newEntryID(prefix string) (string, error) {
	tid, err := typeid.Generate(prefix)
	if err != nil {
		return "", fmt.Errorf("generate %s id: %w", prefix, err)
	}
	return tid.String(), nil
}
