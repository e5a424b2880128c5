// Package lawbook is the deny-by-default policy gate. A lawbook document lists
// the action IDs the control plane may execute; anything not listed is denied,
// and an explicit deny always wins over an allow.
package lawbook

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
)

// Rule identifiers reported on every Decision.
const (
	RuleLawbookMissing       = "LAWBOOK_MISSING"
	RuleLawbookNotFailClosed = "LAWBOOK_NOT_FAIL_CLOSED"
	RuleActionEmpty          = "ACTION_EMPTY"
	RuleExplicitDeny         = "EXPLICIT_DENY"
	RuleNotAllowlisted       = "NOT_ALLOWLISTED"
	RuleExplicitAllow        = "EXPLICIT_ALLOW"
	RuleHashFailure          = "DECISION_HASH_FAILURE"
)

// Document is a versioned, immutable policy document.
type Document struct {
	Version        string   `json:"version" yaml:"version"`
	AllowedActions []string `json:"allowed_actions" yaml:"allowed_actions"`
	DeniedActions  []string `json:"denied_actions" yaml:"denied_actions"`
	FailClosed     bool     `json:"fail_closed" yaml:"fail_closed"`

	hash string
}

// New builds a fail-closed document and computes its hash.
func New(version string, allowed, denied []string) (*Document, error) {
	d := &Document{
		Version:        version,
		AllowedActions: allowed,
		DeniedActions:  denied,
		FailClosed:     true,
	}
	if err := d.seal(); err != nil {
		return nil, err
	}
	return d, nil
}

// seal normalizes the action sets and caches the content hash.
func (d *Document) seal() error {
	d.AllowedActions = uniqueSorted(d.AllowedActions)
	d.DeniedActions = uniqueSorted(d.DeniedActions)
	h, err := canonicalize.CanonicalHash(d)
	if err != nil {
		return fmt.Errorf("lawbook: hash document: %w", err)
	}
	d.hash = h
	return nil
}

// Hash is the canonical content hash of the document.
func (d *Document) Hash() string {
	if d == nil {
		return ""
	}
	if d.hash != "" {
		return d.hash
	}
	c := *d
	if err := c.seal(); err != nil {
		return ""
	}
	return c.hash
}

// Allows reports whether id appears in the allow list.
func (d *Document) Allows(id string) bool { return slices.Contains(d.AllowedActions, id) }

// Denies reports whether id appears in the deny list.
func (d *Document) Denies(id string) bool { return slices.Contains(d.DeniedActions, id) }

func uniqueSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
