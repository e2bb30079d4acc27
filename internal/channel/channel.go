package channel

import (
	"context"
	"errors"
)

type EventKind string

const (
	EventMessage EventKind = "message"
	EventError   EventKind = "error"
	EventClosed  EventKind = "closed"
)

// CloseAbnormal is reported when the connection drops without a close frame.
const CloseAbnormal = 1006

var ErrClosed = errors.New("channel closed")

// Event is one observation on a realtime channel. A channel delivers zero or
// more message events, optionally one error event, then at most one closed event.
type Event struct {
	Kind   EventKind
	Data   []byte
	Err    error
	Code   int
	Reason string
}

// Channel is one open realtime connection. Close is idempotent; after it
// returns no further events are delivered and Events is eventually closed.
type Channel interface {
	Events() <-chan Event
	Send(ctx context.Context, v any) error
	Close() error
}

// Dialer opens channels against endpoint paths relative to the API base.
type Dialer interface {
	Dial(ctx context.Context, path string) (Channel, error)
}

// TaskPath is the status stream endpoint for one generation task.
func TaskPath(taskID string) string {
	return "/ai-exam/ws/task/" + taskID
}

// DiscussionPath is the live stream endpoint for one archive discussion thread.
func DiscussionPath(courseID, archiveID int64) string {
	return "/courses/" + itoa(courseID) + "/archives/" + itoa(archiveID) + "/discussion/ws"
}
