// Package phone provides phone number utilities.
// This is part of the platform layer and contains no business logic.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

const defaultRegion = "US"

// ErrInvalid is returned when a number cannot be parsed or is not a valid number for its region.
var ErrInvalid = errors.New("invalid phone number")

// ParseE164 parses a free-text phone number and formats it as E.164.
// Invalid input is an error, never passed through.
func ParseE164(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", ErrInvalid
	}

	number, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return "", ErrInvalid
	}

	if !phonenumbers.IsValidNumber(number) {
		return "", ErrInvalid
	}

	return phonenumbers.Format(number, phonenumbers.E164), nil
}
