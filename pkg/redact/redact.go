// Package redact masks phone numbers and email addresses before they
// reach logs. Redaction is opt-in and controlled globally.
package redact

import (
	"regexp"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-\(\)]{6,}\d`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

func Enable()         { enabled.Store(true) }
func Disable()        { enabled.Store(false) }
func Enabled() bool   { return enabled.Load() }

// String masks phone numbers and emails when redaction is enabled.
// When disabled it returns the input unchanged.
func String(s string) string {
	if !enabled.Load() {
		return s
	}
	s = phoneRe.ReplaceAllString(s, "[phone]")
	s = emailRe.ReplaceAllString(s, "[email]")
	return s
}

// Phone masks all but the last four digits of a phone number regardless
// of the global toggle. Used for ledger keys that must stay loggable.
func Phone(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
