package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TaskStatus is the server-side state of one generation task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusComplete   TaskStatus = "complete"
	StatusFailed     TaskStatus = "failed"
	StatusNotFound   TaskStatus = "not_found"
	StatusUnknown    TaskStatus = "unknown"

	// statusInProgress is what the task worker actually emits for a running job.
	statusInProgress TaskStatus = "in_progress"
)

// Close codes observed on realtime channels.
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseServerFailure = 1011
	CloseUnauthorized  = 4401
)

var ErrInvalidEnvelope = errors.New("invalid task envelope")

type ArchiveRef struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Course       string `json:"course,omitempty"`
	Professor    string `json:"professor,omitempty"`
	AcademicYear int    `json:"academic_year,omitempty"`
	ArchiveType  string `json:"archive_type,omitempty"`
}

type TaskResult struct {
	Success          bool         `json:"success"`
	GeneratedContent string       `json:"generated_content"`
	ArchivesUsed     []ArchiveRef `json:"archives_used"`
}

// TaskEnvelope is one status update pushed over the task channel.
type TaskEnvelope struct {
	TaskID      string      `json:"task_id"`
	Status      TaskStatus  `json:"status"`
	Result      *TaskResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   string      `json:"created_at,omitempty"`
	CompletedAt string      `json:"completed_at,omitempty"`
}

// Normalize folds worker status aliases into the canonical set.
func Normalize(s TaskStatus) TaskStatus {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(string(s)))) {
	case StatusPending, "queued", "deferred":
		return StatusPending
	case StatusProcessing, statusInProgress:
		return StatusProcessing
	case StatusComplete:
		return StatusComplete
	case StatusFailed:
		return StatusFailed
	case StatusNotFound:
		return StatusNotFound
	default:
		return StatusUnknown
	}
}

// Terminal reports whether no further envelopes follow s.
func Terminal(s TaskStatus) bool {
	switch Normalize(s) {
	case StatusComplete, StatusFailed, StatusNotFound:
		return true
	default:
		return false
	}
}

// ParseTaskEnvelope decodes one inbound frame and normalizes its status.
func ParseTaskEnvelope(raw []byte) (TaskEnvelope, error) {
	var env TaskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return TaskEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.TaskID = strings.TrimSpace(env.TaskID)
	if env.TaskID == "" {
		return TaskEnvelope{}, fmt.Errorf("%w: missing task_id", ErrInvalidEnvelope)
	}
	env.Status = Normalize(env.Status)
	if env.Status == StatusComplete && env.Result == nil {
		env.Result = &TaskResult{}
	}
	return env, nil
}

// SubmitRequest is the body of POST /ai-exam/generate.
type SubmitRequest struct {
	ArchiveIDs  []int64  `json:"archive_ids"`
	Prompt      string   `json:"prompt,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type APIKeyStatus struct {
	HasAPIKey    bool   `json:"has_api_key"`
	APIKeyMasked string `json:"api_key_masked,omitempty"`
}
