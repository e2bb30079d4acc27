package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/channel"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
	"github.com/ent0n29/pastexam/internal/taskrecord"
)

var (
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrNotConfirmed      = errors.New("regeneration not confirmed")
	ErrAPIKeyMissing     = errors.New("no API key configured")
)

const (
	defaultMaxArchives   = 3
	defaultHistoryLimit  = 128
	recordOpTimeout      = 5 * time.Second
	regeneratePrompt     = "Discard the current result and start over?"
	subscriberBufferSize = 64
)

type Options struct {
	Records   *taskrecord.Store
	Submitter Submitter
	Keys      KeyChecker
	Dialer    channel.Dialer
	Notifier  notice.Notifier

	MaxArchives int
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

// Machine owns the AI exam generation lifecycle for one UI session. It is the
// only writer of the task record, and it keeps a task channel open exactly
// while the phase is pending or generating.
type Machine struct {
	records   *taskrecord.Store
	submitter Submitter
	keys      KeyChecker
	dialer    channel.Dialer
	notifier  notice.Notifier
	validate  *validator.Validate
	maxArch   int
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu         sync.Mutex
	state      State
	epoch      uint64
	ch         channel.Channel
	acceptedAt time.Time
	history    []Transition

	subscribers map[int]chan State
	nextSubID   int
}

func New(opts Options) *Machine {
	if opts.MaxArchives <= 0 {
		opts.MaxArchives = defaultMaxArchives
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		records:     opts.Records,
		submitter:   opts.Submitter,
		keys:        opts.Keys,
		dialer:      opts.Dialer,
		notifier:    opts.Notifier,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxArch:     opts.MaxArchives,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		subscribers: make(map[int]chan State),
	}
	m.state = State{Phase: PhaseSelectingSource, UpdatedAt: m.now().UTC()}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns up to limit recent transitions, oldest first.
func (m *Machine) History(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	return append([]Transition(nil), m.history[len(m.history)-limit:]...)
}

func (m *Machine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBufferSize)
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
}

// Mount resumes a persisted task if one exists. A task that is already being
// tracked is left alone, as is a result or terminal error still on screen.
// Nothing is ever re-submitted.
func (m *Machine) Mount(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state.Phase.Active() || m.state.Phase == PhaseSubmitting {
		st := m.state
		m.mu.Unlock()
		return st, nil
	}

	rec, ok, err := m.records.Load(ctx)
	if err != nil {
		m.mu.Unlock()
		return m.State(), fmt.Errorf("mount: %w", err)
	}
	if !ok {
		if m.state.Phase != PhaseSelectingSource && !m.holdsOutcomeLocked() {
			m.transitionLocked(State{Phase: PhaseSelectingSource}, "mount")
		}
		st := m.state
		m.mu.Unlock()
		return st, nil
	}

	m.logger.Info("resuming generation task", zap.String("task_id", rec.TaskID))
	m.enterPendingLocked(rec, true)
	epoch := m.epoch
	m.mu.Unlock()

	m.openChannel(ctx, rec.TaskID, epoch)
	return m.State(), nil
}

// holdsOutcomeLocked reports whether the state carries a result or a
// terminal error the user has not acknowledged yet.
func (m *Machine) holdsOutcomeLocked() bool {
	switch m.state.Phase {
	case PhaseResult:
		return true
	case PhaseError:
		return m.state.Kind != reliability.KindTransient
	}
	return false
}

// Submit validates req, posts it, and on acceptance persists the task record
// and opens its channel. Validation failures leave the state untouched.
func (m *Machine) Submit(ctx context.Context, req SubmitRequest) (State, error) {
	if err := m.validateRequest(req); err != nil {
		return m.State(), err
	}
	if st := m.State(); st.Phase != PhaseSelectingSource {
		return st, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, st.Phase)
	}
	if err := m.checkAPIKey(ctx); err != nil {
		return m.State(), err
	}

	m.mu.Lock()
	if m.state.Phase != PhaseSelectingSource {
		st := m.state
		m.mu.Unlock()
		return st, fmt.Errorf("%w: submit from %s", ErrInvalidTransition, st.Phase)
	}
	tctx := &taskrecord.Context{
		Category:   strings.TrimSpace(req.Category),
		CourseName: strings.TrimSpace(req.CourseName),
		Professor:  strings.TrimSpace(req.Professor),
		ArchiveIDs: append([]int64(nil), req.ArchiveIDs...),
	}
	m.transitionLocked(State{Phase: PhaseSubmitting, Context: tctx}, "")
	epoch := m.epoch
	m.mu.Unlock()

	start := m.now()
	res, err := m.submitter.SubmitGeneration(ctx, protocol.SubmitRequest{
		ArchiveIDs:  req.ArchiveIDs,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
	})
	m.metrics.ObserveSubmitLatency(m.now().Sub(start))

	m.mu.Lock()
	if err != nil {
		if m.epoch == epoch {
			m.submitFailedLocked(err)
		}
		st := m.state
		m.mu.Unlock()
		return st, err
	}

	rec := taskrecord.Record{TaskID: res.TaskID, SubmittedAt: m.now().UTC(), Context: *tctx}
	if err := m.saveRecordLocked(ctx, rec); err != nil {
		m.logger.Warn("persist task record failed", zap.String("task_id", rec.TaskID), zap.Error(err))
	}
	if m.epoch != epoch {
		// Unmounted or abandoned while the request was in flight. The record
		// stays so the next mount resumes the accepted task.
		st := m.state
		m.mu.Unlock()
		return st, nil
	}
	m.enterPendingLocked(rec, false)
	epoch = m.epoch
	m.mu.Unlock()

	m.openChannel(ctx, rec.TaskID, epoch)
	return m.State(), nil
}

// Regenerate discards a result or error after the user confirms.
func (m *Machine) Regenerate(ctx context.Context, confirm Confirmer) (State, error) {
	m.mu.Lock()
	phase, epoch := m.state.Phase, m.epoch
	m.mu.Unlock()
	if phase != PhaseResult && phase != PhaseError {
		return m.State(), fmt.Errorf("%w: regenerate from %s", ErrInvalidTransition, phase)
	}
	if confirm == nil || !confirm.Confirm(ctx, regeneratePrompt) {
		return m.State(), ErrNotConfirmed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return m.state, fmt.Errorf("%w: state changed during confirmation", ErrInvalidTransition)
	}
	m.acknowledgeLocked(ctx, "regenerate")
	return m.state, nil
}

// Dismiss acknowledges an error without confirmation.
func (m *Machine) Dismiss(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseError {
		return m.state, fmt.Errorf("%w: dismiss from %s", ErrInvalidTransition, m.state.Phase)
	}
	m.acknowledgeLocked(ctx, "dismiss")
	return m.state, nil
}

// Abandon drops in-flight UI state after the session lost authentication.
// The task record is kept so the task resumes after signing in again.
func (m *Machine) Abandon(reason string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == PhaseSelectingSource && m.ch == nil {
		return m.state
	}
	m.logger.Info("abandoning lifecycle state",
		zap.String("phase", string(m.state.Phase)),
		zap.String("reason", reason),
	)
	m.closeChannelLocked()
	m.transitionLocked(State{Phase: PhaseSelectingSource}, reason)
	return m.state
}

// Unmount closes the task channel when the view goes away. The record is kept.
func (m *Machine) Unmount() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeChannelLocked()
	if m.state.Phase != PhaseSelectingSource {
		m.transitionLocked(State{Phase: PhaseSelectingSource}, "unmount")
	}
	return m.state
}

// Close releases the channel. Safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeChannelLocked()
}

// checkAPIKey refuses submission while the account has no API key on file.
func (m *Machine) checkAPIKey(ctx context.Context) error {
	if m.keys == nil {
		return nil
	}
	status, err := m.keys.APIKeyStatus(ctx)
	if err != nil {
		return fmt.Errorf("check api key: %w", err)
	}
	if !status.HasAPIKey {
		return fmt.Errorf("%w: %w", reliability.ErrValidation, ErrAPIKeyMissing)
	}
	return nil
}

func (m *Machine) validateRequest(req SubmitRequest) error {
	if err := m.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", reliability.ErrValidation, describeValidation(err))
	}
	if len(req.ArchiveIDs) > m.maxArch {
		return fmt.Errorf("%w: at most %d archives may be selected", reliability.ErrValidation, m.maxArch)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, strings.ToLower(fe.Field())+" is required")
		case "min":
			parts = append(parts, "select at least "+fe.Param()+" archive")
		default:
			parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

func (m *Machine) submitFailedLocked(err error) {
	switch reliability.Classify(err) {
	case reliability.KindAuth:
		// The unauthorized signal owns the user-facing outcome.
		m.transitionLocked(State{Phase: PhaseSelectingSource}, "unauthorized")
	case reliability.KindConflict:
		m.enterErrorLocked(ReasonAlreadyRunning, reliability.KindConflict, false, notice.Notice{
			Severity: notice.SeverityError,
			Summary:  "A generation task is already running",
			Detail:   "Wait for it to finish before starting another.",
		})
	default:
		m.enterErrorLocked(ReasonSubmissionFailed, reliability.Classify(err), false, notice.Notice{
			Severity: notice.SeverityError,
			Summary:  "Submission failed",
			Detail:   err.Error(),
		})
	}
}

func (m *Machine) enterPendingLocked(rec taskrecord.Record, resumed bool) {
	tctx := rec.Context
	m.acceptedAt = m.now()
	m.transitionLocked(State{
		Phase:   PhasePending,
		TaskID:  rec.TaskID,
		Context: &tctx,
		Resumed: resumed,
	}, "")
}

func (m *Machine) openChannel(ctx context.Context, taskID string, epoch uint64) {
	ch, err := m.dialer.Dial(ctx, channel.TaskPath(taskID))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.state.TaskID != taskID || !m.state.Phase.Active() || m.ch != nil {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn("open task channel failed", zap.String("task_id", taskID), zap.Error(err))
		m.channelFailedLocked()
		return
	}
	m.ch = ch
	go m.pump(ch, taskID)
}

func (m *Machine) pump(ch channel.Channel, taskID string) {
	for evt := range ch.Events() {
		m.apply(ch, taskID, evt)
	}
}

// apply folds one channel event into the state. Events from a channel other
// than the current one, or carrying another task id, are ignored.
func (m *Machine) apply(ch channel.Channel, taskID string, evt channel.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ch != ch || m.state.TaskID != taskID || !m.state.Phase.Active() {
		return
	}
	m.metrics.ObserveChannelEvent("task", string(evt.Kind))

	switch evt.Kind {
	case channel.EventMessage:
		env, err := protocol.ParseTaskEnvelope(evt.Data)
		if err != nil {
			m.logger.Warn("discarding task frame", zap.String("task_id", taskID), zap.Error(err))
			return
		}
		if env.TaskID != m.state.TaskID {
			m.logger.Debug("ignoring stale envelope",
				zap.String("tracked", m.state.TaskID),
				zap.String("received", env.TaskID),
			)
			return
		}
		m.applyEnvelopeLocked(env)
	case channel.EventError:
		m.channelFailedLocked()
	case channel.EventClosed:
		switch evt.Code {
		case protocol.CloseUnauthorized:
			m.closeChannelLocked()
			m.transitionLocked(State{Phase: PhaseSelectingSource}, "unauthorized")
		case protocol.ClosePolicy:
			m.enterErrorLocked(ReasonTaskNotFound, reliability.KindJobFailed, true, notice.Notice{
				Severity: notice.SeverityError,
				Summary:  "Task not found",
				Detail:   "The generation task no longer exists.",
			})
		default:
			m.channelFailedLocked()
		}
	}
}

func (m *Machine) applyEnvelopeLocked(env protocol.TaskEnvelope) {
	switch env.Status {
	case protocol.StatusPending:
	case protocol.StatusProcessing:
		if m.state.Phase == PhasePending {
			next := m.state
			next.Phase = PhaseGenerating
			m.transitionLocked(next, "")
		}
	case protocol.StatusComplete:
		m.observeGenerationLocked()
		m.closeChannelLocked()
		m.clearRecordLocked()
		next := m.state
		next.Phase = PhaseResult
		next.Result = env.Result
		m.transitionLocked(next, "")
	case protocol.StatusFailed:
		m.observeGenerationLocked()
		reason := strings.TrimSpace(env.Error)
		if reason == "" {
			reason = ReasonGenerationFailed
		}
		m.enterErrorLocked(reason, reliability.KindJobFailed, true, notice.Notice{
			Severity: notice.SeverityError,
			Summary:  "Generation failed",
			Detail:   reason,
		})
	case protocol.StatusNotFound:
		m.enterErrorLocked(ReasonTaskNotFound, reliability.KindJobFailed, true, notice.Notice{
			Severity: notice.SeverityError,
			Summary:  "Task not found",
			Detail:   "The generation task no longer exists.",
		})
	default:
		m.logger.Debug("ignoring unknown task status", zap.String("status", string(env.Status)))
	}
}

// channelFailedLocked handles a drop with no terminal envelope. The record is
// kept until acknowledged so a later mount can resume the task.
func (m *Machine) channelFailedLocked() {
	m.enterErrorLocked(ReasonGenerationFailed, reliability.KindTransient, false, notice.Notice{
		Severity: notice.SeverityError,
		Summary:  "Connection to the generation task was lost",
		Detail:   "Reopen to resume tracking it.",
	})
}

func (m *Machine) enterErrorLocked(reason string, kind reliability.Kind, clearRecord bool, n notice.Notice) {
	m.closeChannelLocked()
	if clearRecord {
		m.clearRecordLocked()
	}
	next := m.state
	next.Phase = PhaseError
	next.Reason = reason
	next.Kind = kind
	next.Result = nil
	m.transitionLocked(next, reason)
	if m.notifier != nil {
		m.notifier.Notify(n)
	}
}

func (m *Machine) acknowledgeLocked(ctx context.Context, reason string) {
	if err := m.records.Clear(ctx); err != nil {
		m.logger.Warn("clear task record failed", zap.Error(err))
	}
	m.transitionLocked(State{Phase: PhaseSelectingSource}, reason)
}

func (m *Machine) observeGenerationLocked() {
	if !m.acceptedAt.IsZero() {
		m.metrics.ObserveGeneration(m.now().Sub(m.acceptedAt))
		m.acceptedAt = time.Time{}
	}
}

func (m *Machine) saveRecordLocked(ctx context.Context, rec taskrecord.Record) error {
	return m.records.Save(ctx, rec)
}

func (m *Machine) clearRecordLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), recordOpTimeout)
	defer cancel()
	if err := m.records.Clear(ctx); err != nil {
		m.logger.Warn("clear task record failed", zap.String("task_id", m.state.TaskID), zap.Error(err))
	}
}

func (m *Machine) closeChannelLocked() {
	if m.ch == nil {
		return
	}
	_ = m.ch.Close()
	m.ch = nil
}

func (m *Machine) transitionLocked(next State, reason string) {
	prev := m.state.Phase
	next.UpdatedAt = m.now().UTC()
	m.state = next
	m.epoch++

	m.history = append(m.history, Transition{
		From:   prev,
		To:     next.Phase,
		TaskID: next.TaskID,
		Reason: reason,
		At:     next.UpdatedAt,
	})
	if len(m.history) > defaultHistoryLimit {
		m.history = append([]Transition(nil), m.history[len(m.history)-defaultHistoryLimit:]...)
	}

	m.metrics.ObserveTransition(string(prev), string(next.Phase))
	m.logger.Debug("lifecycle transition",
		zap.String("from", string(prev)),
		zap.String("to", string(next.Phase)),
		zap.String("task_id", next.TaskID),
		zap.String("reason", reason),
	)

	for _, ch := range m.subscribers {
		select {
		case ch <- next:
		default:
		}
	}
}
