// Package upload turns a run's source file into contact rows for the
// deduplication engine.
package upload

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"rivvi_backend/internal/dedup"

	"github.com/gabriel-vasile/mimetype"
)

// MaxRows bounds the number of data rows accepted from one file.
const MaxRows = 50000

var (
	// ErrEmptyFile is returned for a file with no header row.
	ErrEmptyFile = errors.New("file contains no header row")
	// ErrUnsupportedFormat is returned when the content is not delimited text.
	ErrUnsupportedFormat = errors.New("file is not a CSV document")
	// ErrTooManyRows is returned when the file exceeds MaxRows.
	ErrTooManyRows = fmt.Errorf("file exceeds %d rows", MaxRows)
)

// headerAliases maps compacted header spellings to the required column names.
var headerAliases = map[string]string{
	"firstname":   dedup.FieldFirstName,
	"first":       dedup.FieldFirstName,
	"givenname":   dedup.FieldFirstName,
	"lastname":    dedup.FieldLastName,
	"last":        dedup.FieldLastName,
	"surname":     dedup.FieldLastName,
	"familyname":  dedup.FieldLastName,
	"phone":       dedup.FieldPhone,
	"phonenumber": dedup.FieldPhone,
	"mobile":      dedup.FieldPhone,
	"dob":         dedup.FieldDOB,
	"dateofbirth": dedup.FieldDOB,
	"birthdate":   dedup.FieldDOB,
}

// RowError reports a data row the parser could not read.
type RowError struct {
	Row    int      `json:"row"`
	Errors []string `json:"errors"`
}

// Result is the parsed content of a file. Rows and Errors both use zero-based
// data row positions, so a row index is stable across both lists.
type Result struct {
	Headers []string
	Rows    []dedup.Row
	Indexes []int
	Errors  []RowError
}

// Total is the number of data rows read, valid or not.
func (r Result) Total() int {
	return len(r.Rows) + len(r.Errors)
}

// Parse reads a CSV document whose header names the contact columns. Columns
// other than firstName, lastName, phone and dob are carried as extra campaign
// variables under their header name. Blank lines are skipped.
func Parse(r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read upload: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{}, ErrEmptyFile
	}
	if !isDelimitedText(data) {
		return Result{}, ErrUnsupportedFormat
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, ErrEmptyFile
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = canonicalColumn(h)
	}

	result := Result{Headers: columns}
	for index := 0; ; {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				result.Errors = append(result.Errors, RowError{Row: index, Errors: []string{perr.Err.Error()}})
				index++
				continue
			}
			return Result{}, fmt.Errorf("read row %d: %w", index, err)
		}
		if blank(record) {
			continue
		}
		if result.Total() >= MaxRows {
			return Result{}, ErrTooManyRows
		}
		if len(record) > len(columns) {
			result.Errors = append(result.Errors, RowError{
				Row:    index,
				Errors: []string{fmt.Sprintf("Row has %d columns, header has %d", len(record), len(columns))},
			})
			index++
			continue
		}

		result.Rows = append(result.Rows, toRow(columns, record))
		result.Indexes = append(result.Indexes, index)
		index++
	}

	return result, nil
}

func toRow(columns, record []string) dedup.Row {
	row := dedup.Row{Extra: map[string]string{}}
	for i, column := range columns {
		value := ""
		if i < len(record) {
			value = strings.TrimSpace(record[i])
		}
		switch column {
		case dedup.FieldFirstName:
			row.FirstName = value
		case dedup.FieldLastName:
			row.LastName = value
		case dedup.FieldPhone:
			row.Phone = value
		case dedup.FieldDOB:
			row.DOB = value
		case "":
		default:
			if value != "" {
				row.Extra[column] = value
			}
		}
	}
	return row
}

// canonicalColumn maps a header to its required field name, or returns the
// trimmed header for extra columns.
func canonicalColumn(header string) string {
	trimmed := strings.TrimSpace(header)
	compact := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, trimmed)
	if field, ok := headerAliases[compact]; ok {
		return field
	}
	return trimmed
}

func blank(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func isDelimitedText(data []byte) bool {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") || m.Is("text/csv") {
			return true
		}
	}
	return false
}
