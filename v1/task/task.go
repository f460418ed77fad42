// Package task defines the task records and snapshots shared by the
// coordination and synchronization packages.
package task

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the business state of a task record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Origin marks where a record came from during a merge. It is only used to
// break ties and is never serialized.
type Origin string

const (
	OriginUnknown Origin = ""
	OriginLocal   Origin = "local"
	OriginRemote  Origin = "remote"
)

// Record is a task or document stored in the shared collection.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`

	Title    string   `json:"title,omitempty"`
	URL      string   `json:"url,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Source   string   `json:"source,omitempty"`

	Origin Origin `json:"-"`
}

// wireRecord accepts the timestamp and id spellings used by the remote
// document store and the push server.
type wireRecord struct {
	ID          json.RawMessage `json:"id"`
	Content     string          `json:"content"`
	Status      Status          `json:"status"`
	UpdatedAt   *lenientTime    `json:"updatedAt"`
	UpdatedAtV1 *lenientTime    `json:"updated_at"`
	Timestamp   *lenientTime    `json:"timestamp"`
	CreatedAt   *lenientTime    `json:"created_at"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	Category    string          `json:"category"`
	Tags        []string        `json:"tags"`
	Source      string          `json:"source"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}
	*r = Record{
		ID:       id,
		Content:  w.Content,
		Status:   w.Status,
		Title:    w.Title,
		URL:      w.URL,
		Category: w.Category,
		Tags:     w.Tags,
		Source:   w.Source,
	}
	for _, ts := range []*lenientTime{w.UpdatedAt, w.UpdatedAtV1, w.Timestamp, w.CreatedAt} {
		if ts != nil && !time.Time(*ts).IsZero() {
			r.UpdatedAt = time.Time(*ts)
			break
		}
	}
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("task: invalid id %s", raw)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	if r.Tags != nil {
		r.Tags = append([]string(nil), r.Tags...)
	}
	return r
}

// NumericID reports the id as an integer when it is numeric-like.
func (r Record) NumericID() (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(r.ID), 10, 64)
	return n, err == nil
}

// HasTag reports whether tag appears in the record's tags, category or source.
// The comparison is case-insensitive.
func (r Record) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	for _, t := range r.Tags {
		if strings.Contains(strings.ToLower(t), tag) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(r.Category), tag) ||
		strings.Contains(strings.ToLower(r.Source), tag)
}

// MatchTag returns a filter keeping records that carry tag.
func MatchTag(tag string) func(Record) bool {
	return func(r Record) bool { return r.HasTag(tag) }
}

// Filter returns the records accepted by keep. A nil keep accepts everything.
func Filter(records []Record, keep func(Record) bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if keep == nil || keep(r) {
			out = append(out, r)
		}
	}
	return out
}
