package discussion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/apiclient"
	"github.com/ent0n29/pastexam/internal/channel"
	"github.com/ent0n29/pastexam/internal/logging"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
)

var (
	ErrRoomClosed   = errors.New("discussion room closed")
	ErrEmptyMessage = errors.New("message is empty")
	ErrTooLong      = errors.New("message too long")
)

// MessageAPI is the request/response half of a discussion thread.
type MessageAPI interface {
	ListDiscussionMessages(ctx context.Context, courseID, archiveID int64, opts apiclient.ListMessagesOptions) ([]protocol.DiscussionMessage, error)
	DeleteDiscussionMessage(ctx context.Context, courseID, archiveID, messageID int64) error
}

type UpdateKind string

const (
	UpdateHistory UpdateKind = "history"
	UpdateMessage UpdateKind = "message"
	UpdateDelete  UpdateKind = "delete"
	UpdateOlder   UpdateKind = "older"
	UpdateClosed  UpdateKind = "closed"
)

// Update is one change to a room's message list.
type Update struct {
	Kind      UpdateKind                   `json:"kind"`
	CourseID  int64                        `json:"course_id"`
	ArchiveID int64                        `json:"archive_id"`
	Messages  []protocol.DiscussionMessage `json:"messages,omitempty"`
	Message   *protocol.DiscussionMessage  `json:"message,omitempty"`
	MessageID int64                        `json:"message_id,omitempty"`
	Code      int                          `json:"code,omitempty"`
}

type Deps struct {
	Dialer   channel.Dialer
	API      MessageAPI
	Notifier notice.Notifier
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Room mirrors one archive discussion thread: a history snapshot replaced
// wholesale, then live appends.
type Room struct {
	courseID  int64
	archiveID int64
	deps      Deps

	mu          sync.Mutex
	ch          channel.Channel
	closed      bool
	messages    []protocol.DiscussionMessage
	subscribers map[int]chan Update
	nextSubID   int
}

func newRoom(courseID, archiveID int64, deps Deps) *Room {
	deps.Logger = logging.OrNop(deps.Logger)
	return &Room{
		courseID:    courseID,
		archiveID:   archiveID,
		deps:        deps,
		subscribers: make(map[int]chan Update),
	}
}

func (r *Room) open(ctx context.Context) error {
	ch, err := r.deps.Dialer.Dial(ctx, channel.DiscussionPath(r.courseID, r.archiveID))
	if err != nil {
		return fmt.Errorf("open discussion %d/%d: %w", r.courseID, r.archiveID, err)
	}
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
	go r.pump(ch)
	return nil
}

func (r *Room) pump(ch channel.Channel) {
	for evt := range ch.Events() {
		r.apply(ch, evt)
	}
}

func (r *Room) apply(ch channel.Channel, evt channel.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != ch || r.closed {
		return
	}
	r.deps.Metrics.ObserveChannelEvent("discussion", string(evt.Kind))

	switch evt.Kind {
	case channel.EventMessage:
		frame, err := protocol.ParseDiscussionFrame(evt.Data)
		if err != nil {
			r.deps.Logger.Debug("discarding discussion frame", zap.Error(err))
			return
		}
		r.applyFrameLocked(frame)
	case channel.EventError:
		r.deps.Logger.Warn("discussion channel error",
			zap.Int64("archive_id", r.archiveID),
			zap.Error(evt.Err),
		)
	case channel.EventClosed:
		r.closed = true
		_ = r.ch.Close()
		r.ch = nil
		r.publishLocked(Update{Kind: UpdateClosed, Code: evt.Code})
	}
}

func (r *Room) applyFrameLocked(f protocol.DiscussionFrame) {
	switch f.Type {
	case protocol.FrameHistory:
		r.messages = append([]protocol.DiscussionMessage(nil), f.Messages...)
		r.publishLocked(Update{Kind: UpdateHistory, Messages: r.snapshotLocked()})
	case protocol.FrameMessage:
		for _, m := range r.messages {
			if m.ID == f.Message.ID {
				return
			}
		}
		msg := *f.Message
		r.messages = append(r.messages, msg)
		r.publishLocked(Update{Kind: UpdateMessage, Message: &msg})
	case protocol.FrameDelete:
		if r.removeLocked(f.MessageID) {
			r.publishLocked(Update{Kind: UpdateDelete, MessageID: f.MessageID})
		}
	case protocol.FrameError:
		if r.deps.Notifier != nil {
			detail := f.Detail
			if f.Code == "message_too_long" && detail == "" {
				detail = fmt.Sprintf("Messages are limited to %d characters.", protocol.MaxDiscussionMessageRunes)
			}
			r.deps.Notifier.Notify(notice.Notice{
				Severity: notice.SeverityWarn,
				Summary:  "Message not sent",
				Detail:   detail,
			})
		}
	}
}

func (r *Room) removeLocked(id int64) bool {
	for i, m := range r.messages {
		if m.ID == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns the current list, oldest first.
func (r *Room) Messages() []protocol.DiscussionMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() []protocol.DiscussionMessage {
	return append([]protocol.DiscussionMessage(nil), r.messages...)
}

// Open reports whether the room still has a live channel.
func (r *Room) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.ch != nil
}

// Send posts one message over the channel after trimming it.
func (r *Room) Send(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return fmt.Errorf("%w: %w", reliability.ErrValidation, ErrEmptyMessage)
	}
	if utf8.RuneCountInString(content) > protocol.MaxDiscussionMessageRunes {
		return fmt.Errorf("%w: %w (max %d characters)", reliability.ErrValidation, ErrTooLong, protocol.MaxDiscussionMessageRunes)
	}

	r.mu.Lock()
	ch := r.ch
	closed := r.closed
	r.mu.Unlock()
	if closed || ch == nil {
		return ErrRoomClosed
	}
	return ch.Send(ctx, protocol.NewSendFrame(content))
}

// Delete removes a message through the REST endpoint. The list is updated
// locally on success; the server's delete broadcast is then a no-op.
func (r *Room) Delete(ctx context.Context, messageID int64) error {
	if err := r.deps.API.DeleteDiscussionMessage(ctx, r.courseID, r.archiveID, messageID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removeLocked(messageID) {
		r.publishLocked(Update{Kind: UpdateDelete, MessageID: messageID})
	}
	return nil
}

// LoadOlder fetches messages older than the oldest one held and prepends them.
func (r *Room) LoadOlder(ctx context.Context, limit int) ([]protocol.DiscussionMessage, error) {
	r.mu.Lock()
	var before int64
	if len(r.messages) > 0 {
		before = r.messages[0].ID
	}
	r.mu.Unlock()

	older, err := r.deps.API.ListDiscussionMessages(ctx, r.courseID, r.archiveID, apiclient.ListMessagesOptions{
		Limit:    limit,
		BeforeID: before,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[int64]struct{}, len(r.messages))
	for _, m := range r.messages {
		seen[m.ID] = struct{}{}
	}
	added := make([]protocol.DiscussionMessage, 0, len(older))
	for _, m := range older {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		added = append(added, m)
	}
	if len(added) > 0 {
		r.messages = append(added, r.messages...)
		sort.SliceStable(r.messages, func(i, j int) bool { return r.messages[i].ID < r.messages[j].ID })
		r.publishLocked(Update{Kind: UpdateOlder, Messages: append([]protocol.DiscussionMessage(nil), added...)})
	}
	return added, nil
}

// Close releases the channel. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	r.publishLocked(Update{Kind: UpdateClosed, Code: protocol.CloseNormal})
}

func (r *Room) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)
	r.mu.Lock()
	r.nextSubID++
	id := r.nextSubID
	r.subscribers[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(c)
		}
	}
}

func (r *Room) publishLocked(u Update) {
	u.CourseID = r.courseID
	u.ArchiveID = r.archiveID
	for _, ch := range r.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}
