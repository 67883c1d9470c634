// Package dedup resolves contact rows to stable patient identities.
//
// Rows are normalized field by field, hashed, and looked up in a fast Redis
// index before the durable patient store is consulted, so the same person
// uploaded twice (or calling in) maps to one patient record.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"rivvi_backend/platform/phone"
	"rivvi_backend/platform/sanitize"
	"rivvi_backend/platform/validator"
)

const (
	ErrMsgInvalidPhone = "Invalid phone number"
	ErrMsgInvalidDOB   = "Invalid date of birth"
	errMsgMissingField = "Missing required field: "
)

// Required row fields, by their column names.
const (
	FieldFirstName = "firstName"
	FieldLastName  = "lastName"
	FieldPhone     = "phone"
	FieldDOB       = "dob"
)

// RequiredFields lists the columns every row must carry, in reporting order.
var RequiredFields = []string{FieldFirstName, FieldLastName, FieldPhone, FieldDOB}

// dobLayouts are the accepted spellings of a date of birth.
var dobLayouts = []string{
	validator.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC3339,
}

// Row is one contact as supplied by an upload or webhook.
type Row struct {
	FirstName string
	LastName  string
	Phone     string
	DOB       string
	// Extra carries campaign-specific columns through to dispatch variables.
	Extra map[string]string
}

// Identity is the normalized form of a Row plus its identity hash.
type Identity struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	DOB       string `json:"dob"`
	Hash      string `json:"hash"`
}

// ValidationError lists every reason a row could not be normalized.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Reasons, "; ")
}

// Normalize validates and normalizes a row. Every failing field is reported,
// not just the first one.
func Normalize(row Row) (Identity, error) {
	var reasons []string
	fields := map[string]string{
		FieldFirstName: row.FirstName,
		FieldLastName:  row.LastName,
		FieldPhone:     row.Phone,
		FieldDOB:       row.DOB,
	}
	for _, f := range RequiredFields {
		if strings.TrimSpace(fields[f]) == "" {
			reasons = append(reasons, errMsgMissingField+f)
		}
	}

	id := Identity{
		FirstName: NormalizeName(row.FirstName),
		LastName:  NormalizeName(row.LastName),
	}

	if strings.TrimSpace(row.Phone) != "" {
		e164, err := NormalizePhone(row.Phone)
		if err != nil {
			reasons = append(reasons, ErrMsgInvalidPhone)
		}
		id.Phone = e164
	}

	if strings.TrimSpace(row.DOB) != "" {
		dob, err := NormalizeDOB(row.DOB)
		if err != nil {
			reasons = append(reasons, ErrMsgInvalidDOB)
		}
		id.DOB = dob
	}

	if len(reasons) > 0 {
		return Identity{}, &ValidationError{Reasons: reasons}
	}

	id.Hash = Hash(id.FirstName, id.LastName, id.Phone, id.DOB)
	return id, nil
}

// NormalizeName applies the canonical person-name form used for hashing.
func NormalizeName(name string) string {
	return sanitize.PersonName(name)
}

// NormalizePhone formats a phone number as E.164. Invalid numbers are an error.
func NormalizePhone(raw string) (string, error) {
	return phone.ParseE164(raw)
}

// NormalizeDOB returns the date of birth as YYYY-MM-DD.
func NormalizeDOB(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range dobLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format(validator.DateLayout), nil
		}
	}
	return "", errors.New("unrecognized date of birth")
}

// Hash is the hex SHA-256 of the four normalized fields joined by "|",
// lower-cased. The input is normalized again, so callers may pass raw names.
func Hash(firstName, lastName, phoneE164, dob string) string {
	joined := strings.Join([]string{
		NormalizeName(firstName),
		NormalizeName(lastName),
		strings.TrimSpace(phoneE164),
		strings.TrimSpace(dob),
	}, "|")
	sum := sha256.Sum256([]byte(strings.ToLower(joined)))
	return hex.EncodeToString(sum[:])
}
