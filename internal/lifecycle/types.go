package lifecycle

import (
	"context"
	"time"

	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
	"github.com/ent0n29/pastexam/internal/taskrecord"
)

type Phase string

const (
	PhaseSelectingSource Phase = "selecting_source"
	PhaseSubmitting      Phase = "submitting"
	PhasePending         Phase = "pending"
	PhaseGenerating      Phase = "generating"
	PhaseResult          Phase = "result"
	PhaseError           Phase = "error"
)

// Active reports whether a task channel belongs open in p.
func (p Phase) Active() bool {
	return p == PhasePending || p == PhaseGenerating
}

// Error reasons that are not server-provided text.
const (
	ReasonAlreadyRunning   = "already_running"
	ReasonSubmissionFailed = "submission_failed"
	ReasonGenerationFailed = "generation_failed"
	ReasonTaskNotFound     = "task_not_found"
	ReasonAPIKeyMissing    = "api_key_missing"
)

// State is one immutable snapshot of the lifecycle.
type State struct {
	Phase     Phase                `json:"phase"`
	TaskID    string               `json:"task_id,omitempty"`
	Context   *taskrecord.Context  `json:"context,omitempty"`
	Result    *protocol.TaskResult `json:"result,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Kind      reliability.Kind     `json:"kind,omitempty"`
	Resumed   bool                 `json:"resumed,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Transition is one recorded phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	TaskID string    `json:"task_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// SubmitRequest is the generation form. ArchiveIDs is additionally capped by
// the machine's configured maximum.
type SubmitRequest struct {
	Category    string   `json:"category"`
	CourseName  string   `json:"course_name" validate:"required"`
	Professor   string   `json:"professor" validate:"required"`
	ArchiveIDs  []int64  `json:"archive_ids" validate:"required,min=1,unique,dive,gt=0"`
	Prompt      string   `json:"prompt" validate:"max=2000"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
}

// Submitter posts generation jobs.
type Submitter interface {
	SubmitGeneration(ctx context.Context, req protocol.SubmitRequest) (protocol.SubmitResponse, error)
}

// KeyChecker reports whether the account has an API key configured.
type KeyChecker interface {
	APIKeyStatus(ctx context.Context) (protocol.APIKeyStatus, error)
}

// Confirmer asks the user a blocking yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt string) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt string) bool { return f(ctx, prompt) }
