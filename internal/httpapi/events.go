package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/discussion"
	"github.com/ent0n29/pastexam/internal/lifecycle"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/unauthorized"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadTimeout  = 90 * time.Second
	streamPingInterval = 30 * time.Second
)

type frameType string

const (
	frameState        frameType = "state"
	frameNotice       frameType = "notice"
	frameUnauthorized frameType = "unauthorized"
	frameDiscussion   frameType = "discussion"
)

type noticeFrame struct {
	Severity notice.Severity `json:"severity"`
	Summary  string          `json:"summary"`
	Detail   string          `json:"detail,omitempty"`
	LifeMS   int64           `json:"life_ms,omitempty"`
	At       time.Time       `json:"at"`
}

// streamFrame is one server push to a local UI.
type streamFrame struct {
	Type         frameType           `json:"type"`
	State        *lifecycle.State    `json:"state,omitempty"`
	Notice       *noticeFrame        `json:"notice,omitempty"`
	Unauthorized *unauthorized.Event `json:"unauthorized,omitempty"`
	Discussion   *discussion.Update  `json:"discussion,omitempty"`
}

func stateFrame(st lifecycle.State) streamFrame {
	return streamFrame{Type: frameState, State: &st}
}

func noticeToFrame(n notice.Notice) streamFrame {
	return streamFrame{Type: frameNotice, Notice: &noticeFrame{
		Severity: n.Severity,
		Summary:  n.Summary,
		Detail:   n.Detail,
		LifeMS:   n.Life.Milliseconds(),
		At:       n.At,
	}}
}

// handleEventsWS streams lifecycle states, notices and unauthorized signals.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, "ui_events", func(ctx context.Context, send func(streamFrame) bool) {
		states, stopStates := s.lifecycle.Subscribe()
		defer stopStates()
		notices, stopNotices := s.notices.Subscribe()
		defer stopNotices()
		signals, stopSignals := s.signal.Subscribe()
		defer stopSignals()

		if !send(stateFrame(s.lifecycle.State())) {
			return
		}
		for {
			var f streamFrame
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				f = stateFrame(st)
			case n, ok := <-notices:
				if !ok {
					return
				}
				f = noticeToFrame(n)
			case evt, ok := <-signals:
				if !ok {
					return
				}
				f = streamFrame{Type: frameUnauthorized, Unauthorized: &evt}
			}
			if !send(f) {
				return
			}
		}
	})
}

// handleDiscussionWS opens the thread if needed and streams its updates,
// starting with the current message list.
func (s *Server) handleDiscussionWS(w http.ResponseWriter, r *http.Request) {
	courseID, archiveID, ok := threadIDs(w, r)
	if !ok {
		return
	}
	room, err := s.discussions.Open(context.WithoutCancel(r.Context()), courseID, archiveID)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}

	s.serveStream(w, r, "ui_discussion", func(ctx context.Context, send func(streamFrame) bool) {
		updates, stop := room.Subscribe()
		defer stop()

		initial := discussion.Update{
			Kind:      discussion.UpdateHistory,
			CourseID:  courseID,
			ArchiveID: archiveID,
			Messages:  room.Messages(),
		}
		if !send(streamFrame{Type: frameDiscussion, Discussion: &initial}) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if !send(streamFrame{Type: frameDiscussion, Discussion: &u}) {
					return
				}
				if u.Kind == discussion.UpdateClosed {
					return
				}
			}
		}
	})
}

// serveStream upgrades the request and pumps frames produced by feed until
// either side goes away. Inbound messages are ignored.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, name string, feed func(ctx context.Context, send func(streamFrame) bool)) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ChannelOpened(name)
	defer s.metrics.ChannelClosed(name)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan streamFrame, 64)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		defer cancel()
		feed(ctx, func(f streamFrame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		write := func(f streamFrame) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Debug("stream write failed", zap.String("stream", name), zap.Error(err))
				cancel()
				return false
			}
			s.metrics.ObserveChannelEvent(name, string(f.Type))
			return true
		}
		for {
			select {
			case <-ctx.Done():
				// Flush what the feed queued before it stopped.
				for drained := false; !drained; {
					select {
					case f := <-out:
						if !write(f) {
							return
						}
					default:
						drained = true
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			case f := <-out:
				if !write(f) {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	<-feedDone
	<-writerDone
}
