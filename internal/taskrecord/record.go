package taskrecord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/pastexam/internal/storage"
)

// Key is the long-lived slot holding the single in-flight generation task.
const Key = "ai-exam-current-task"

var ErrInvalidRecord = errors.New("invalid task record")

// Context describes what the task was submitted for.
type Context struct {
	Category   string  `json:"category,omitempty"`
	CourseName string  `json:"course_name"`
	Professor  string  `json:"professor"`
	ArchiveIDs []int64 `json:"archive_ids,omitempty"`
}

// Record is the persisted pointer to an accepted generation task.
type Record struct {
	TaskID      string    `json:"taskId"`
	SubmittedAt time.Time `json:"submittedAt"`
	Context     Context   `json:"context"`
}

// Store holds zero or one Record.
type Store struct {
	kv storage.Store
}

func NewStore(kv storage.Store) *Store {
	return &Store{kv: kv}
}

// Load returns the current record. A malformed stored value reads as absent.
func (s *Store) Load(ctx context.Context) (Record, bool, error) {
	raw, ok, err := s.kv.Get(ctx, Key)
	if err != nil {
		return Record{}, false, fmt.Errorf("load task record: %w", err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, nil
	}
	if strings.TrimSpace(rec.TaskID) == "" {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save replaces any existing record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrInvalidRecord)
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	return storage.SetJSON(ctx, s.kv, Key, rec)
}

func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Remove(ctx, Key)
}
