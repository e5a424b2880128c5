package lawbook

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/autopilot/pkg/schemas"
)

var (
	// ErrInvalidVersion is returned when a document version is not semver.
	ErrInvalidVersion = errors.New("lawbook: version must be semantic (MAJOR.MINOR.PATCH)")
	// ErrNoDocuments is returned when a directory holds no lawbook files.
	ErrNoDocuments = errors.New("lawbook: no documents found")
	// ErrDuplicateVersion is returned when two files in a directory declare
	// the same version.
	ErrDuplicateVersion = errors.New("lawbook: duplicate document version")
)

const documentSchema = `{
  "type": "object",
  "required": ["version"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "allowed_actions": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "denied_actions": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "fail_closed": {"type": "boolean"}
  },
  "additionalProperties": false
}`

var compiledSchema = schemas.MustCompile("lawbook", documentSchema)

// fileDocument mirrors Document but distinguishes an omitted fail_closed.
type fileDocument struct {
	Version        string   `json:"version"`
	AllowedActions []string `json:"allowed_actions"`
	DeniedActions  []string `json:"denied_actions"`
	FailClosed     *bool    `json:"fail_closed"`
}

// Parse decodes and validates a lawbook document. YAML and JSON are accepted.
func Parse(data []byte) (*Document, error) {
	jsonDoc, err := schemas.ToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("lawbook: %w", err)
	}
	if err := schemas.Validate(compiledSchema, jsonDoc); err != nil {
		return nil, fmt.Errorf("lawbook: %w", err)
	}

	var fd fileDocument
	if err := json.Unmarshal(jsonDoc, &fd); err != nil {
		return nil, fmt.Errorf("lawbook: decode: %w", err)
	}
	if _, err := semver.StrictNewVersion(fd.Version); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, fd.Version)
	}

	doc := &Document{
		Version:        fd.Version,
		AllowedActions: fd.AllowedActions,
		DeniedActions:  fd.DeniedActions,
		FailClosed:     fd.FailClosed == nil || *fd.FailClosed,
	}
	if err := doc.seal(); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadFile reads a single lawbook document.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lawbook: read %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadDir loads every .yaml/.yml/.json document in dir and returns the one
// with the highest semantic version. Versions must be unique in dir.
func LoadDir(dir string) (*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lawbook: read dir %s: %w", dir, err)
	}

	var (
		best    *Document
		bestVer *semver.Version
		seen    = make(map[string]string)
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && !schemas.IsYAML(entry.Name()) {
			continue
		}
		doc, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		v := semver.MustParse(doc.Version)
		if prev, dup := seen[v.String()]; dup {
			return nil, fmt.Errorf("%w: %s in %s and %s", ErrDuplicateVersion, v, prev, entry.Name())
		}
		seen[v.String()] = entry.Name()
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = doc, v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w in %s", ErrNoDocuments, dir)
	}
	return best, nil
}

// Load resolves path as a file or a directory of documents.
func Load(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("lawbook: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return LoadFile(path)
}

// Holder keeps the active document and swaps it atomically on reload.
// A nil active document means every action is denied.
type Holder struct {
	mu       sync.RWMutex
	path     string
	doc      *Document
	onReload func(*Document)
}

// NewHolder creates a holder bound to path. Call Reload to populate it.
func NewHolder(path string) *Holder {
	return &Holder{path: path}
}

// NewStaticHolder creates a holder around an already loaded document.
func NewStaticHolder(doc *Document) *Holder {
	return &Holder{doc: doc}
}

// OnReload registers a callback invoked after a successful reload.
func (h *Holder) OnReload(fn func(*Document)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onReload = fn
}

// Reload re-reads the document from disk. On failure the previous document
// stays active.
func (h *Holder) Reload() error {
	if h.path == "" {
		return errors.New("lawbook: holder has no path")
	}
	doc, err := Load(h.path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.doc = doc
	callback := h.onReload
	h.mu.Unlock()

	if callback != nil {
		callback(doc)
	}
	return nil
}

// Current returns the active document, or nil.
func (h *Holder) Current() *Document {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doc
}
