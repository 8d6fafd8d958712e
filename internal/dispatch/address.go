package dispatch

import (
	"fmt"
	"strings"
)

// E.164 caps numbers at 15 digits; local numbers here are 9.
const (
	localNumberLen = 9
	maxNumberLen   = 15
)

// AddressNormalizer converts operator-entered phone numbers into the
// channel's canonical address form: digits with a country prefix plus
// the channel suffix.
type AddressNormalizer struct {
	CountryCode string // prepended to bare local numbers, e.g. "51"
	Suffix      string // channel address suffix, e.g. "@c.us"
}

// Normalize is deterministic: strip whitespace/punctuation and any
// existing suffix, prepend the default country code to bare 9-digit
// numbers, never double-prefix, always append the suffix. Inputs that
// fail the digit/length check are rejected with ErrInvalidAddress.
func (n AddressNormalizer) Normalize(raw string) (string, error) {
	s := raw
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}

	var digits strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')' || r == '+':
			// punctuation and formatting stripped
		default:
			return "", fmt.Errorf("%w: unexpected character %q in %q", ErrInvalidAddress, r, raw)
		}
	}

	number := digits.String()
	if len(number) < localNumberLen || len(number) > maxNumberLen {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidAddress, raw, len(number))
	}

	if len(number) == localNumberLen && !strings.HasPrefix(number, n.CountryCode) {
		number = n.CountryCode + number
	}

	return number + n.Suffix, nil
}
