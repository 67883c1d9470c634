// Package sanitize provides text sanitization utilities for free-text input.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	// htmlTagRegex matches HTML tags
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	// whitespaceRegex matches runs of whitespace
	whitespaceRegex = regexp.MustCompile(`\s+`)
	// nameCharsRegex matches anything that is not a latin letter, whitespace, or hyphen
	nameCharsRegex = regexp.MustCompile(`[^a-zA-Z\s-]`)
)

// StripHTML removes all HTML tags from a string, making it safe for text-only display.
func StripHTML(s string) string {
	result := htmlTagRegex.ReplaceAllString(s, "")
	result = strings.ReplaceAll(result, "&lt;", "<")
	result = strings.ReplaceAll(result, "&gt;", ">")
	result = strings.ReplaceAll(result, "&amp;", "&")
	result = strings.ReplaceAll(result, "&quot;", "\"")
	result = strings.ReplaceAll(result, "&#39;", "'")
	// Re-strip after entity decode to catch encoded tags
	result = htmlTagRegex.ReplaceAllString(result, "")
	return strings.TrimSpace(result)
}

// Text sanitizes a string for safe text storage by stripping HTML.
// Use for provider-supplied free text like dispositions and error messages.
func Text(s string) string {
	return StripHTML(s)
}

// PersonName normalizes a first or last name so that differently typed
// spellings of the same name compare equal.
//
// The steps run in a fixed order: trim, collapse whitespace to single spaces,
// drop characters outside [a-zA-Z -], lower-case, then capitalize the first
// letter of every space- or hyphen-delimited token ("mary-ANN  o'neil" becomes
// "Mary-Ann Oneil").
func PersonName(s string) string {
	result := strings.TrimSpace(s)
	result = whitespaceRegex.ReplaceAllString(result, " ")
	result = nameCharsRegex.ReplaceAllString(result, "")
	result = strings.ToLower(result)
	return titleTokens(result)
}

// titleTokens upper-cases the first non-space character at the start of the
// string and after every space or hyphen. A character used as a token start is
// never itself a separator for the character that follows it.
func titleTokens(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upperNext := true
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if upperNext && ch != ' ' {
			if ch >= 'a' && ch <= 'z' {
				ch -= 'a' - 'A'
			}
			b.WriteByte(ch)
			upperNext = false
			continue
		}
		upperNext = ch == ' ' || ch == '-'
		b.WriteByte(ch)
	}
	return b.String()
}
