package mpesa

import (
	"regexp"
	"strings"

	"topshot-backend/internal/domain"
)

// canonical subscriber format: country code 254, carrier digit 7 or 1,
// then eight digits.
var canonicalPhone = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone converts a free-form phone string into the gateway's
// canonical subscriber format. It strips every non-digit character, rewrites
// the local trunk prefix ("07..." / "01...") to the country code, and
// rejects anything that does not end up matching the canonical pattern.
// Pure function, no side effects.
func NormalizePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", &domain.ValidationError{Msg: "phone number is required", Fields: map[string]string{"phone": "required"}}
	}

	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	p := b.String()

	switch {
	case len(p) == 10 && strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	case len(p) == 9 && (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")):
		p = "254" + p
	}

	if !canonicalPhone.MatchString(p) {
		return "", &domain.ValidationError{Msg: "invalid M-PESA phone number format", Fields: map[string]string{"phone": "must be 254XXXXXXXXX"}}
	}
	return p, nil
}
