package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/autopilot/pkg/canonicalize"
	"github.com/Mindburn-Labs/autopilot/pkg/contracts"
)

// ErrInvalidTimeRange is returned when start time is after end time.
var ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")

// ExportRequest defines what to export. An empty Subject exports every event.
type ExportRequest struct {
	Subject   string    `json:"subject,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Pack is a generated evidence pack.
type Pack struct {
	Data        []byte    `json:"-"`
	Checksum    string    `json:"checksum"`
	EventCount  int       `json:"event_count"`
	ChainHead   string    `json:"chain_head"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Exporter bundles audit events into a verifiable zip archive.
type Exporter struct {
	trail *Trail
}

func NewExporter(t *Trail) *Exporter {
	return &Exporter{trail: t}
}

// GeneratePack creates a zip with events.json, manifest.json and README.txt.
// The manifest records the chain verification result at export time.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) (*Pack, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, ErrInvalidTimeRange
	}
	if e.trail == nil || e.trail.store == nil {
		return nil, ErrStoreNotConfigured
	}

	all, err := e.trail.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list events: %w", err)
	}
	report, verr := VerifyEvents(all)

	events := make([]contracts.AuditEvent, 0, len(all))
	for _, ev := range all {
		if req.Subject != "" && ev.Subject != req.Subject {
			continue
		}
		if !req.StartTime.IsZero() && ev.CreatedAt.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && ev.CreatedAt.After(req.EndTime) {
			continue
		}
		events = append(events, ev)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, err
	}

	generatedAt := e.trail.clock().UTC()
	manifest := map[string]any{
		"subject":      req.Subject,
		"generated_at": generatedAt,
		"event_count":  len(events),
		"events_hash":  canonicalize.HashBytes(eventsJSON),
		"chain_head":   report.ChainHead,
		"chain_valid":  verr == nil,
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	if verr != nil {
		manifest["chain_problem"] = report.Problem
		manifest["chain_broken_at"] = report.BrokenAt
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"events.json", eventsJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(readme(req, generatedAt, len(events)))},
	}
	for _, f := range files {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	data := buf.Bytes()
	return &Pack{
		Data:        data,
		Checksum:    canonicalize.HashBytes(data),
		EventCount:  len(events),
		ChainHead:   report.ChainHead,
		GeneratedAt: generatedAt,
	}, nil
}

func readme(req ExportRequest, at time.Time, n int) string {
	var b strings.Builder
	scope := req.Subject
	if scope == "" {
		scope = "all subjects"
	}
	fmt.Fprintf(&b, "Audit evidence pack for %s\n", scope)
	fmt.Fprintf(&b, "Generated at %s with %d events\n", at.Format(time.RFC3339), n)
	b.WriteString("Verify entry_hash and previous_hash linkage against manifest.json chain_head.\n")
	return b.String()
}
