package unauthorized

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/pastexam/internal/credentials"
	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/storage"
)

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

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSignal(t *testing.T) (*Signal, *recordingNotifier, *Routes, *fakeClock, *credentials.Store) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	creds := credentials.NewStore(storage.NewMemoryStore(), storage.NewMemoryStore())
	notifier := &recordingNotifier{}
	routes := NewRoutes("/archive/12")
	sig := New(creds, notifier, routes, Options{
		Cooldown: time.Second,
		Now:      clock.now,
	})
	return sig, notifier, routes, clock, creds
}

func TestTriggerClearsCredentialsNotifiesAndRedirects(t *testing.T) {
	sig, notifier, routes, _, creds := newTestSignal(t)
	ctx := context.Background()
	if err := creds.Set(ctx, "tok", true); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	events, cancel := sig.Subscribe()
	defer cancel()

	if shown := sig.Trigger(ctx, SourceREST); !shown {
		t.Fatalf("Trigger() shown = false, want true")
	}

	if tok, _ := creds.Token(ctx); tok != "" {
		t.Fatalf("token after Trigger = %q, want empty", tok)
	}
	if notifier.count() != 1 {
		t.Fatalf("notices = %d, want 1", notifier.count())
	}
	if n := notifier.notices[0]; n.Severity != notice.SeverityWarn || n.Life != 3*time.Second {
		t.Fatalf("notice = %+v, want warn with 3s life", n)
	}
	if routes.Current() != "/" {
		t.Fatalf("route = %q, want /", routes.Current())
	}
	select {
	case evt := <-events:
		if evt.Source != SourceREST || !evt.NoticeShown {
			t.Fatalf("event = %+v, want rest with notice", evt)
		}
	default:
		t.Fatalf("no broadcast event")
	}
}

func TestTriggerDeduplicatesWithinCooldown(t *testing.T) {
	sig, notifier, _, clock, _ := newTestSignal(t)
	ctx := context.Background()

	sig.Trigger(ctx, SourceREST)
	clock.advance(300 * time.Millisecond)
	if sig.Trigger(ctx, SourceTaskChannel) {
		t.Fatalf("second trigger within cooldown showed a notice")
	}
	if notifier.count() != 1 {
		t.Fatalf("notices = %d, want 1", notifier.count())
	}
}

func TestTriggerCooldownSlides(t *testing.T) {
	sig, notifier, _, clock, _ := newTestSignal(t)
	ctx := context.Background()

	sig.Trigger(ctx, SourceREST)
	// Triggers every 800ms keep the lock held past life plus cooldown.
	for i := 0; i < 5; i++ {
		clock.advance(800 * time.Millisecond)
		if sig.Trigger(ctx, SourceREST) {
			t.Fatalf("trigger %d, 800ms after previous trigger, showed a notice", i+1)
		}
	}
	clock.advance(time.Second)
	if !sig.Trigger(ctx, SourceREST) {
		t.Fatalf("trigger after a quiet cooldown did not show a notice")
	}
	if notifier.count() != 2 {
		t.Fatalf("notices = %d, want 2", notifier.count())
	}
}

func TestTriggerSuppressedWhileNoticeVisible(t *testing.T) {
	sig, notifier, _, clock, _ := newTestSignal(t)
	ctx := context.Background()

	if !sig.Trigger(ctx, SourceREST) {
		t.Fatalf("first trigger did not show a notice")
	}
	clock.advance(1500 * time.Millisecond)
	if sig.Trigger(ctx, SourceTaskChannel) {
		t.Fatalf("trigger at 1.5s showed a notice while the first is still visible")
	}
	clock.advance(2400 * time.Millisecond)
	if sig.Trigger(ctx, SourceREST) {
		t.Fatalf("trigger at 3.9s showed a notice before life plus cooldown elapsed")
	}
	if notifier.count() != 1 {
		t.Fatalf("notices = %d, want 1", notifier.count())
	}
}

func TestTriggerBroadcastsEvenWhenSuppressed(t *testing.T) {
	sig, _, _, _, _ := newTestSignal(t)
	events, cancel := sig.Subscribe()
	defer cancel()

	sig.Trigger(context.Background(), SourceREST)
	sig.Trigger(context.Background(), SourceDiscussionChannel)

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
}

func TestTriggerSkipsRedirectOnLanding(t *testing.T) {
	sig, _, routes, _, _ := newTestSignal(t)
	routes.Navigate("/")
	before := routes.Redirects()

	sig.Trigger(context.Background(), SourceREST)
	if routes.Redirects() != before {
		t.Fatalf("redirects = %d, want %d", routes.Redirects(), before)
	}
}
