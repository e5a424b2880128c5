package playbook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/autopilot/pkg/schemas"
)

const definitionSchema = `{
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9._-]*$"},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "required_evidence": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"type": "string", "minLength": 1},
          "required_fields": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "expression": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "action_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "action_type": {"type": "string", "pattern": "^[A-Z][A-Z0-9_]*$"},
          "inputs": {"type": "object"},
          "timeout": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledSchema = schemas.MustCompile("playbook", definitionSchema)

// Parse decodes and validates one playbook document (YAML or JSON).
func Parse(data []byte) (*Definition, error) {
	jsonDoc, err := schemas.ToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("playbook: %w", err)
	}
	if err := schemas.Validate(compiledSchema, jsonDoc); err != nil {
		return nil, fmt.Errorf("playbook: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(jsonDoc, &def); err != nil {
		return nil, fmt.Errorf("playbook: decode: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Registry holds the known playbooks by ID.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def, replacing any previous definition with the same ID.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlaybook, id)
	}
	return def, nil
}

// List returns every definition sorted by ID.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir registers every .yaml, .yml and .json file in dir. Two files
// declaring the same ID is an error.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("playbook: read dir %s: %w", dir, err)
	}
	reg := NewRegistry()
	origin := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !schemas.IsYAML(path) && filepath.Ext(path) != ".json" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("playbook: read %s: %w", path, err)
		}
		def, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if prev, dup := origin[def.ID]; dup {
			return nil, fmt.Errorf("%w: %s declared in %s and %s", ErrInvalidDefinition, def.ID, prev, path)
		}
		origin[def.ID] = path
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
