package messaging

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone formats a raw phone string to E.164, defaulting to the
// given region (ISO 3166-1 alpha-2) when no country code is present.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("messaging: phone required")
	}
	if defaultRegion == "" {
		defaultRegion = "AE"
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("messaging: parse phone %q: %w", raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("messaging: invalid phone %q", raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
