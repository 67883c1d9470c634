package storage

import (
	"fmt"
	"path"
	"strings"

	"rivvi_backend/platform/apperr"
)

// AllowedContentTypes defines the MIME types accepted for run source files.
// Browsers label CSV files inconsistently, so the spreadsheet and plain text
// types are accepted too; the row parser rejects content it cannot read.
var AllowedContentTypes = map[string]bool{
	"text/csv":                 true,
	"application/csv":          true,
	"text/plain":               true,
	"application/vnd.ms-excel": true,
}

// ValidateContentType checks if the content type is allowed.
func ValidateContentType(contentType string) error {
	// Normalize content type (remove parameters like charset)
	normalized := strings.Split(contentType, ";")[0]
	normalized = strings.TrimSpace(strings.ToLower(normalized))

	if !AllowedContentTypes[normalized] {
		return apperr.Validation(fmt.Sprintf("content type %q is not allowed", contentType))
	}
	return nil
}

// ValidateFileSize checks if the file size is within limits.
func ValidateFileSize(sizeBytes, maxFileSize int64) error {
	if sizeBytes <= 0 {
		return apperr.Validation("file size must be greater than 0")
	}
	if maxFileSize > 0 && sizeBytes > maxFileSize {
		return apperr.Validation(fmt.Sprintf("file size %d bytes exceeds maximum allowed size of %d bytes", sizeBytes, maxFileSize))
	}
	return nil
}

// RawUploadKey builds the archive key for a run's source file.
func RawUploadKey(runID string, unixMilli int64, fileName string) string {
	return fmt.Sprintf("%s/%d%s", runID, unixMilli, strings.ToLower(path.Ext(fileName)))
}

// ProcessedDataKey builds the key for a run's processed row snapshot.
func ProcessedDataKey(runID string, unixMilli int64) string {
	return fmt.Sprintf("%s/%d.json", runID, unixMilli)
}

// CallEventKey builds the immutable key for a raw call event.
func CallEventKey(direction, callID, eventType string, unixMilli int64) string {
	return fmt.Sprintf("%s/%s/%s/%d.json", direction, callID, eventType, unixMilli)
}
