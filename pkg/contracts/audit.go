package contracts

import (
	"encoding/json"
	"time"
)

// GenesisHash is the PreviousHash of the first event in a chain.
const GenesisHash = "genesis"

// AuditEvent is one immutable, hash-chained fact about a governed action.
// Payload is stored after redaction; PayloadHash covers the redacted bytes.
type AuditEvent struct {
	ID             string          `json:"id"`
	Sequence       uint64          `json:"sequence"`
	Subject        string          `json:"subject"`
	EventType      string          `json:"event_type"`
	LawbookVersion string          `json:"lawbook_version,omitempty"`
	LawbookHash    string          `json:"lawbook_hash,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	PayloadHash    string          `json:"payload_hash"`
	PreviousHash   string          `json:"previous_hash"`
	EntryHash      string          `json:"entry_hash"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Issue is the persisted view of a governed issue.
type Issue struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	State     string    `json:"state"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
