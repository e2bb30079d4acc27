package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type FrameType string

const (
	FrameHistory FrameType = "history"
	FrameMessage FrameType = "message"
	FrameDelete  FrameType = "delete"
	FrameError   FrameType = "error"
	FrameSend    FrameType = "send"
)

// MaxDiscussionMessageRunes is the server-side content limit.
const MaxDiscussionMessageRunes = 200

var ErrUnsupportedType = errors.New("unsupported frame type")

type DiscussionMessage struct {
	ID        int64  `json:"id"`
	ArchiveID int64  `json:"archive_id"`
	UserID    int64  `json:"user_id"`
	Author    string `json:"user_name"`
	Body      string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// DiscussionFrame is any inbound discussion channel frame.
type DiscussionFrame struct {
	Type      FrameType           `json:"type"`
	Messages  []DiscussionMessage `json:"messages,omitempty"`
	Message   *DiscussionMessage  `json:"message,omitempty"`
	MessageID int64               `json:"message_id,omitempty"`
	Code      string              `json:"code,omitempty"`
	Detail    string              `json:"detail,omitempty"`
}

type SendFrame struct {
	Type    FrameType `json:"type"`
	Content string    `json:"content"`
}

func NewSendFrame(content string) SendFrame {
	return SendFrame{Type: FrameSend, Content: content}
}

func ParseDiscussionFrame(raw []byte) (DiscussionFrame, error) {
	var f DiscussionFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return DiscussionFrame{}, fmt.Errorf("invalid frame: %w", err)
	}
	f.Type = FrameType(strings.ToLower(strings.TrimSpace(string(f.Type))))

	switch f.Type {
	case FrameHistory:
		if f.Messages == nil {
			f.Messages = []DiscussionMessage{}
		}
		return f, nil
	case FrameMessage:
		if f.Message == nil {
			return DiscussionFrame{}, errors.New("invalid message frame")
		}
		return f, nil
	case FrameDelete:
		if f.MessageID == 0 {
			return DiscussionFrame{}, errors.New("invalid delete frame")
		}
		return f, nil
	case FrameError:
		return f, nil
	default:
		return DiscussionFrame{}, ErrUnsupportedType
	}
}
