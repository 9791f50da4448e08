// Package redact masks sensitive values before they are embedded in any
// user-facing or logged string.
package redact

import (
	"regexp"
)

const replacement = "***"

var patterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// Bearer tokens and key=value style secrets.
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/-]+=*`),
	regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)["']?\s*[:=]\s*["']?[^"'\s,}]+`),
	// 9-digit sequences (SSN-like identifiers), with or without dashes.
	regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`),
}

// String masks every sensitive match in s.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, replacement)
	}
	return s
}

// Bounded masks s and truncates it to max bytes. Used for
// Job.error_message, which must stay small and PII-free.
func Bounded(s string, max int) string {
	s = String(s)
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Error masks an error's message. Returns "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
