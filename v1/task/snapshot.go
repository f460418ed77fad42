package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// Metadata describes where and when a snapshot was produced.
type Metadata struct {
	Total        int       `json:"total"`
	LastSyncedAt time.Time `json:"lastSync"`
	SourceTag    string    `json:"source"`
}

// UnmarshalJSON implements json.Unmarshaler. lastSync may lack a zone offset.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var w struct {
		Total        int         `json:"total"`
		LastSyncedAt lenientTime `json:"lastSync"`
		SourceTag    string      `json:"source"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Metadata{Total: w.Total, LastSyncedAt: time.Time(w.LastSyncedAt), SourceTag: w.SourceTag}
	return nil
}

// Snapshot is a full or incremental push of remote state. A received
// snapshot is never modified; consumers copy what they keep.
type Snapshot struct {
	Documents []Record `json:"documents"`
	Metadata  Metadata `json:"metadata"`
}

// NewSnapshot builds a snapshot for docs stamped with now.
func NewSnapshot(docs []Record, source string, now time.Time) Snapshot {
	return Snapshot{
		Documents: docs,
		Metadata: Metadata{
			Total:        len(docs),
			LastSyncedAt: now,
			SourceTag:    source,
		},
	}
}

// Validate checks the fields the sync path depends on.
func (s Snapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Documents))
	for i, d := range s.Documents {
		if d.ID == "" {
			return fmt.Errorf("document %d: missing id", i)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("document %d: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}
