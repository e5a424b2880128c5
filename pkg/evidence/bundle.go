// Package evidence checks structured evidence bundles against the predicates a
// playbook requires before it may act.
package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
)

// Kind is a closed set of evidence kinds.
type Kind string

const (
	KindVerification Kind = "verification"
	KindHTTPSnippet  Kind = "http_snippet"
	KindLogRef       Kind = "log_ref"
	KindNote         Kind = "note"
	KindCIRun        Kind = "ci_run"
	KindDeployment   Kind = "deployment"
	KindMetric       Kind = "metric"
)

// Kinds lists every accepted kind.
func Kinds() []Kind {
	return []Kind{KindVerification, KindHTTPSnippet, KindLogRef, KindNote, KindCIRun, KindDeployment, KindMetric}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindVerification, KindHTTPSnippet, KindLogRef, KindNote, KindCIRun, KindDeployment, KindMetric:
		return true
	default:
		return false
	}
}

// Bundle size limits.
const (
	MaxItems = 256
	MaxBytes = 1 << 20
)

var (
	ErrUnknownKind    = errors.New("evidence: unknown kind")
	ErrBundleTooLarge = errors.New("evidence: bundle exceeds size bound")
)

// Item is one piece of evidence.
type Item struct {
	Kind   Kind           `json:"kind"`
	Fields map[string]any `json:"fields"`
}

// Bundle is the evidence supplied with an incident. Bundles are read-only
// once handed to the gate.
type Bundle struct {
	Version string `json:"version,omitempty"`
	Items   []Item `json:"items"`
}

// Validate enforces the closed kind set and the size bounds.
func (b Bundle) Validate() error {
	if len(b.Items) > MaxItems {
		return fmt.Errorf("%w: %d items (max %d)", ErrBundleTooLarge, len(b.Items), MaxItems)
	}
	for i, it := range b.Items {
		if !it.Kind.Valid() {
			return fmt.Errorf("%w: item %d has kind %q", ErrUnknownKind, i, it.Kind)
		}
	}
	data, err := canonicalize.JCS(b)
	if err != nil {
		return fmt.Errorf("evidence: canonicalize bundle: %w", err)
	}
	if len(data) > MaxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrBundleTooLarge, len(data), MaxBytes)
	}
	return nil
}

// OfKind returns the items of kind k in bundle order.
func (b Bundle) OfKind(k Kind) []Item {
	var out []Item
	for _, it := range b.Items {
		if it.Kind == k {
			out = append(out, it)
		}
	}
	return out
}

// Lookup resolves a dotted path such as "ref.reportHash" inside fields.
func Lookup(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Present reports whether path resolves to a non-empty value.
func Present(fields map[string]any, path string) bool {
	v, ok := Lookup(fields, path)
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// Verification is a verification report reference.
type Verification struct {
	Ref struct {
		ReportHash string `json:"reportHash"`
		URL        string `json:"url,omitempty"`
	} `json:"ref"`
	Verdict  string `json:"verdict,omitempty"`
	Verifier string `json:"verifier,omitempty"`
}

// HTTPSnippet is a captured HTTP exchange.
type HTTPSnippet struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
}

// LogRef points at a log query or excerpt.
type LogRef struct {
	Source string `json:"source"`
	Query  string `json:"query,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Note is free-form operator text.
type Note struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
}

// CIRun references a CI workflow run.
type CIRun struct {
	Provider   string `json:"provider,omitempty"`
	RunID      string `json:"runId"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Verifications decodes every verification item.
func (b Bundle) Verifications() ([]Verification, error) { return decodeAll[Verification](b, KindVerification) }

// HTTPSnippets decodes every http_snippet item.
func (b Bundle) HTTPSnippets() ([]HTTPSnippet, error) { return decodeAll[HTTPSnippet](b, KindHTTPSnippet) }

// LogRefs decodes every log_ref item.
func (b Bundle) LogRefs() ([]LogRef, error) { return decodeAll[LogRef](b, KindLogRef) }

// Notes decodes every note item.
func (b Bundle) Notes() ([]Note, error) { return decodeAll[Note](b, KindNote) }

// CIRuns decodes every ci_run item.
func (b Bundle) CIRuns() ([]CIRun, error) { return decodeAll[CIRun](b, KindCIRun) }

func decodeAll[T any](b Bundle, k Kind) ([]T, error) {
	items := b.OfKind(k)
	out := make([]T, 0, len(items))
	for i, it := range items {
		raw, err := json.Marshal(it.Fields)
		if err != nil {
			return nil, fmt.Errorf("evidence: %s item %d: %w", k, i, err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("evidence: %s item %d: %w", k, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
