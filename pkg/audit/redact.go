package audit

import (
	"regexp"
	"strings"
)

// Redacted replaces every credential-shaped key value or substring.
const Redacted = "[REDACTED]"

// sensitiveKeyFragments match normalized keys (lowercase, no '_' or '-').
var sensitiveKeyFragments = []string{
	"token",
	"secret",
	"password",
	"passwd",
	"apikey",
	"accesskey",
	"privatekey",
	"session",
	"cookie",
	"authorization",
	"credential",
	"bearer",
	"signature",
}

var sensitiveValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`),
}

// Redactor strips credential-shaped data from decoded JSON values.
type Redactor struct {
	keys   []string
	values []*regexp.Regexp
}

// DefaultRedactor covers tokens, keys, passwords and session identifiers.
func DefaultRedactor() *Redactor {
	return &Redactor{keys: sensitiveKeyFragments, values: sensitiveValuePatterns}
}

// WithKeys returns a copy that also redacts keys containing any of fragments.
func (r *Redactor) WithKeys(fragments ...string) *Redactor {
	c := &Redactor{keys: append([]string(nil), r.keys...), values: r.values}
	for _, f := range fragments {
		c.keys = append(c.keys, normalizeKey(f))
	}
	return c
}

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}

// SensitiveKey reports whether values under key are always redacted.
func (r *Redactor) SensitiveKey(key string) bool {
	n := normalizeKey(key)
	for _, frag := range r.keys {
		if strings.Contains(n, frag) {
			return true
		}
	}
	return false
}

// Redact walks a decoded JSON value and returns a redacted copy.
func (r *Redactor) Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.SensitiveKey(k) && val != nil {
				out[k] = Redacted
				continue
			}
			out[k] = r.Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.Redact(val)
		}
		return out
	case string:
		return r.RedactString(t)
	default:
		return v
	}
}

// RedactString masks credential-shaped substrings.
func (r *Redactor) RedactString(s string) string {
	for _, re := range r.values {
		s = re.ReplaceAllString(s, Redacted)
	}
	return s
}
