package utils

import (
	"strings"

	"github.com/gosimple/slug"
)

// NormalizeSlug creates a URL-friendly slug using the gosimple/slug library
func NormalizeSlug(text string) string {
	if text == "" {
		return ""
	}

	return slug.Make(text)
}

// NormalizeNamespace turns a job namespace into the canonical form used in
// registration keys, so "Companion" and " companion " address the same job.
func NormalizeNamespace(namespace string) string {
	return NormalizeSlug(strings.TrimSpace(namespace))
}
