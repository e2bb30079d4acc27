package discussion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pastexam/internal/apiclient"
	"github.com/ent0n29/pastexam/internal/channel"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/reliability"
)

type fakeAPI struct {
	mu      sync.Mutex
	older   []protocol.DiscussionMessage
	opts    []apiclient.ListMessagesOptions
	deleted []int64
	delErr  error
}

func (f *fakeAPI) ListDiscussionMessages(_ context.Context, _, _ int64, opts apiclient.ListMessagesOptions) ([]protocol.DiscussionMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	return f.older, nil
}

func (f *fakeAPI) DeleteDiscussionMessage(_ context.Context, _, _, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice.Notice
}

func (r *recordingNotifier) Notify(n notice.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

type harness struct {
	dialer   *channel.MockDialer
	api      *fakeAPI
	notifier *recordingNotifier
	registry *Registry
}

func newHarness() *harness {
	h := &harness{
		dialer:   channel.NewMockDialer(),
		api:      &fakeAPI{},
		notifier: &recordingNotifier{},
	}
	h.registry = NewRegistry(Deps{Dialer: h.dialer, API: h.api, Notifier: h.notifier})
	return h
}

func (h *harness) open(t *testing.T) (*Room, *channel.MockChannel) {
	t.Helper()
	room, err := h.registry.Open(context.Background(), 7, 42)
	require.NoError(t, err)
	select {
	case ch := <-h.dialer.Dialed():
		return room, ch
	case <-time.After(time.Second):
		t.Fatalf("no channel dialed")
		return nil, nil
	}
}

func msg(id int64, body string) protocol.DiscussionMessage {
	return protocol.DiscussionMessage{ID: id, ArchiveID: 42, UserID: 1, Author: "ada", Body: body, CreatedAt: "2026-01-01T10:00:00"}
}

func ids(ms []protocol.DiscussionMessage) []int64 {
	out := make([]int64, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func eventuallyIDs(t *testing.T, room *Room, want []int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := ids(room.Messages())
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestRoomDialsDiscussionPath(t *testing.T) {
	h := newHarness()
	_, ch := h.open(t)
	require.Equal(t, "/courses/7/archives/42/discussion/ws", ch.Path)
}

func TestRoomHistoryReplacesThenAppends(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)

	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(1, "a"), msg(2, "b")}})
	eventuallyIDs(t, room, []int64{1, 2})

	ch.PushJSON(map[string]any{"type": "message", "message": msg(3, "c")})
	eventuallyIDs(t, room, []int64{1, 2, 3})

	// A second history frame wins wholesale.
	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(5, "e")}})
	eventuallyIDs(t, room, []int64{5})
}

func TestRoomIgnoresDuplicateMessage(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)

	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(1, "a")}})
	ch.PushJSON(map[string]any{"type": "message", "message": msg(1, "a")})
	ch.PushJSON(map[string]any{"type": "message", "message": msg(2, "b")})
	eventuallyIDs(t, room, []int64{1, 2})
}

func TestRoomDeleteFrameRemovesMessage(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)

	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(1, "a"), msg(2, "b")}})
	ch.PushJSON(map[string]any{"type": "delete", "message_id": 1})
	eventuallyIDs(t, room, []int64{2})
}

func TestRoomErrorFrameNotifies(t *testing.T) {
	h := newHarness()
	_, ch := h.open(t)

	ch.PushJSON(map[string]any{"type": "error", "code": "message_too_long"})
	require.Eventually(t, func() bool { return h.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRoomSendValidatesContent(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)

	err := room.Send(context.Background(), "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	require.ErrorIs(t, err, reliability.ErrValidation)

	err = room.Send(context.Background(), strings.Repeat("é", protocol.MaxDiscussionMessageRunes+1))
	require.ErrorIs(t, err, ErrTooLong)

	require.NoError(t, room.Send(context.Background(), strings.Repeat("é", protocol.MaxDiscussionMessageRunes)))
	require.NoError(t, room.Send(context.Background(), "  hello  "))

	sent := ch.Sent()
	require.Len(t, sent, 2)
	var frame map[string]string
	require.NoError(t, json.Unmarshal(sent[1], &frame))
	require.Equal(t, map[string]string{"type": "send", "content": "hello"}, frame)
}

func TestRoomDeleteUsesREST(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)
	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(1, "a"), msg(2, "b")}})
	eventuallyIDs(t, room, []int64{1, 2})

	require.NoError(t, room.Delete(context.Background(), 2))
	require.Equal(t, []int64{1}, ids(room.Messages()))
	require.Equal(t, []int64{2}, h.api.deleted)

	h.api.delErr = reliability.ErrConflict
	require.ErrorIs(t, room.Delete(context.Background(), 1), reliability.ErrConflict)
	require.Equal(t, []int64{1}, ids(room.Messages()))
}

func TestRoomLoadOlderPrepends(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)
	ch.PushJSON(map[string]any{"type": "history", "messages": []protocol.DiscussionMessage{msg(10, "j"), msg(11, "k")}})
	eventuallyIDs(t, room, []int64{10, 11})

	h.api.older = []protocol.DiscussionMessage{msg(8, "h"), msg(9, "i"), msg(10, "j")}
	added, err := room.LoadOlder(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, []int64{8, 9}, ids(added))
	require.Equal(t, []int64{8, 9, 10, 11}, ids(room.Messages()))
	require.Equal(t, apiclient.ListMessagesOptions{Limit: 20, BeforeID: 10}, h.api.opts[0])
}

func TestRoomClosedByServerRejectsSend(t *testing.T) {
	h := newHarness()
	room, ch := h.open(t)
	updates, cancel := room.Subscribe()
	defer cancel()

	ch.PushClose(protocol.ClosePolicy)
	require.Eventually(t, func() bool { return !room.Open() }, time.Second, 5*time.Millisecond)
	require.True(t, errors.Is(room.Send(context.Background(), "hi"), ErrRoomClosed))

	select {
	case u := <-updates:
		require.Equal(t, UpdateClosed, u.Kind)
		require.Equal(t, protocol.ClosePolicy, u.Code)
		require.Equal(t, int64(42), u.ArchiveID)
	case <-time.After(time.Second):
		t.Fatalf("no closed update")
	}
}

func TestRegistryReusesOpenRoom(t *testing.T) {
	h := newHarness()
	first, _ := h.open(t)
	second, err := h.registry.Open(context.Background(), 7, 42)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Len(t, h.dialer.Channels(), 1)

	other, err := h.registry.Open(context.Background(), 7, 43)
	require.NoError(t, err)
	require.NotSame(t, first, other)
	require.Len(t, h.dialer.Channels(), 2)
}

func TestRegistryReopensAfterServerClose(t *testing.T) {
	h := newHarness()
	first, ch := h.open(t)
	ch.PushClose(protocol.CloseNormal)
	require.Eventually(t, func() bool { return !first.Open() }, time.Second, 5*time.Millisecond)

	second, err := h.registry.Open(context.Background(), 7, 42)
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Len(t, h.dialer.Channels(), 2)
}

func TestRegistryCloseAll(t *testing.T) {
	h := newHarness()
	h.open(t)
	_, err := h.registry.Open(context.Background(), 7, 43)
	require.NoError(t, err)

	require.Equal(t, 2, h.registry.CloseAll())
	for _, ch := range h.dialer.Channels() {
		require.True(t, ch.Closed())
	}
	_, ok := h.registry.Get(7, 42)
	require.False(t, ok)
}

type gatedDialer struct {
	*channel.MockDialer
	entered chan struct{}
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, path string) (channel.Channel, error) {
	d.entered <- struct{}{}
	<-d.release
	return d.MockDialer.Dial(ctx, path)
}

func TestRegistryCloseAllDoesNotWaitForDial(t *testing.T) {
	dialer := &gatedDialer{
		MockDialer: channel.NewMockDialer(),
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	registry := NewRegistry(Deps{Dialer: dialer, API: &fakeAPI{}, Notifier: &recordingNotifier{}})

	type openResult struct {
		room *Room
		err  error
	}
	opened := make(chan openResult, 1)
	go func() {
		room, err := registry.Open(context.Background(), 7, 42)
		opened <- openResult{room, err}
	}()
	<-dialer.entered

	closed := make(chan int, 1)
	go func() { closed <- registry.CloseAll() }()
	select {
	case n := <-closed:
		require.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatalf("CloseAll blocked behind an in-flight dial")
	}

	close(dialer.release)
	res := <-opened
	require.ErrorIs(t, res.err, ErrRoomClosed)
	require.Nil(t, res.room)
	chs := dialer.Channels()
	require.Len(t, chs, 1)
	require.True(t, chs[0].Closed())
	_, ok := registry.Get(7, 42)
	require.False(t, ok)
}

func TestRegistryOpenDialFailure(t *testing.T) {
	h := newHarness()
	h.dialer.SetErr(reliability.ErrUnauthorized)
	_, err := h.registry.Open(context.Background(), 7, 42)
	require.ErrorIs(t, err, reliability.ErrUnauthorized)
	_, ok := h.registry.Get(7, 42)
	require.False(t, ok)
}
