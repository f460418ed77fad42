package pushserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mirkobrombin/go-tether/v1/task"
)

// Source produces the documents pushed to clients.
type Source interface {
	Snapshot(ctx context.Context) (task.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (task.Snapshot, error)

// Snapshot implements Source.
func (f SourceFunc) Snapshot(ctx context.Context) (task.Snapshot, error) { return f(ctx) }

// FileSource reads documents from a JSON file holding either an object with
// a "documents" array or a bare array.
type FileSource struct {
	Path string
	now  func() time.Time
}

// NewFileSource returns a FileSource reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, now: time.Now}
}

// Snapshot implements Source.
func (f *FileSource) Snapshot(ctx context.Context) (task.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return task.Snapshot{}, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return task.Snapshot{}, err
	}
	docs, err := ParseDocuments(data)
	if err != nil {
		return task.Snapshot{}, fmt.Errorf("pushserver: %s: %w", f.Path, err)
	}
	return task.NewSnapshot(docs, SourceTag, f.now()), nil
}

// ParseDocuments decodes a documents file.
func ParseDocuments(data []byte) ([]task.Record, error) {
	var wrapped struct {
		Documents []task.Record `json:"documents"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Documents, nil
	}
	var docs []task.Record
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
