package evidence

import (
	"fmt"
	"strings"
)

// Predicate requires at least one item of Kind carrying every RequiredFields
// path, and satisfying Expression when one is set.
type Predicate struct {
	Kind           Kind     `json:"kind" yaml:"kind"`
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields,omitempty"`
	Expression     string   `json:"expression,omitempty" yaml:"expression,omitempty"`
}

func (p Predicate) String() string {
	s := string(p.Kind)
	if len(p.RequiredFields) > 0 {
		s += "{" + strings.Join(p.RequiredFields, ",") + "}"
	}
	if p.Expression != "" {
		s += " where " + p.Expression
	}
	return s
}

// Unmet is a predicate the bundle did not satisfy, with the detail needed to
// act on it.
type Unmet struct {
	Predicate
	// MissingFields lists required paths absent from the closest candidate item.
	MissingFields []string `json:"missing_fields,omitempty"`
	Detail        string   `json:"detail"`
}

// Verdict is the result of a gate check.
type Verdict struct {
	Satisfied bool    `json:"satisfied"`
	Missing   []Unmet `json:"missing,omitempty"`
}

// Reasons renders the unmet predicates for skip reasons and error messages.
func (v Verdict) Reasons() []string {
	out := make([]string, 0, len(v.Missing))
	for _, m := range v.Missing {
		out = append(out, m.Predicate.String()+": "+m.Detail)
	}
	return out
}

// Gate evaluates predicates against bundles.
type Gate struct {
	exprs *exprEngine
}

// NewGate creates a gate with a CEL environment for predicate expressions.
func NewGate() (*Gate, error) {
	e, err := newExprEngine()
	if err != nil {
		return nil, err
	}
	return &Gate{exprs: e}, nil
}

// Check evaluates every predicate (logical AND) and returns the complete list
// of unmet ones in declaration order. Expression errors count as unmet.
func (g *Gate) Check(predicates []Predicate, bundle Bundle) Verdict {
	v := Verdict{Satisfied: true}
	for _, p := range predicates {
		if unmet, ok := g.checkOne(p, bundle); !ok {
			v.Satisfied = false
			v.Missing = append(v.Missing, unmet)
		}
	}
	return v
}

func (g *Gate) checkOne(p Predicate, bundle Bundle) (Unmet, bool) {
	if !p.Kind.Valid() {
		return Unmet{Predicate: p, Detail: fmt.Sprintf("unknown evidence kind %q", p.Kind)}, false
	}
	candidates := bundle.OfKind(p.Kind)
	if len(candidates) == 0 {
		return Unmet{Predicate: p, MissingFields: p.RequiredFields, Detail: "no evidence of kind " + string(p.Kind)}, false
	}

	var best []string
	exprFailure := ""
	for i, it := range candidates {
		missing := missingFields(it.Fields, p.RequiredFields)
		if best == nil || len(missing) < len(best) {
			best = missing
		}
		if len(missing) > 0 {
			continue
		}
		if p.Expression == "" {
			return Unmet{}, true
		}
		ok, err := g.exprs.eval(p.Expression, it.Fields)
		if err != nil {
			exprFailure = fmt.Sprintf("item %d: %v", i, err)
			continue
		}
		if ok {
			return Unmet{}, true
		}
		exprFailure = fmt.Sprintf("item %d does not satisfy expression", i)
	}

	if len(best) > 0 {
		return Unmet{Predicate: p, MissingFields: best, Detail: "missing fields " + strings.Join(best, ", ")}, false
	}
	return Unmet{Predicate: p, Detail: exprFailure}, false
}

func missingFields(fields map[string]any, required []string) []string {
	missing := []string{}
	for _, path := range required {
		if !Present(fields, path) {
			missing = append(missing, path)
		}
	}
	return missing
}
