package unauthorized

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/notice"
	"github.com/ent0n29/pastexam/internal/observability"
)

const (
	SourceREST              = "rest"
	SourceTaskChannel       = "task_channel"
	SourceDiscussionChannel = "discussion_channel"
)

// Event is broadcast to every subscriber on each trigger.
type Event struct {
	Source      string    `json:"source"`
	At          time.Time `json:"at"`
	NoticeShown bool      `json:"notice_shown"`
}

// CredentialClearer drops the stored bearer token from every scope.
type CredentialClearer interface {
	Clear(ctx context.Context) error
}

// Navigator moves the local UI between routes.
type Navigator interface {
	Current() string
	Navigate(route string)
}

type Options struct {
	Cooldown     time.Duration
	NoticeLife   time.Duration
	LandingRoute string
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time
}

// Signal is the process-wide unauthorized-session handler. It never closes
// channels; subscribers react to its events.
type Signal struct {
	creds    CredentialClearer
	notifier notice.Notifier
	nav      Navigator
	cooldown time.Duration
	life     time.Duration
	landing  string
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu          sync.Mutex
	lastTrigger time.Time
	lastShown   time.Time
	nextSubID   int
	subscribers map[int]chan Event
}

func New(creds CredentialClearer, notifier notice.Notifier, nav Navigator, opts Options) *Signal {
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.NoticeLife <= 0 {
		opts.NoticeLife = 3 * time.Second
	}
	if opts.LandingRoute == "" {
		opts.LandingRoute = "/"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Signal{
		creds:       creds,
		notifier:    notifier,
		nav:         nav,
		cooldown:    opts.Cooldown,
		life:        opts.NoticeLife,
		landing:     opts.LandingRoute,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Now,
		subscribers: make(map[int]chan Event),
	}
}

// Trigger handles one observed authentication failure and reports whether a
// notice was shown. A shown notice holds the lock for its own lifetime plus
// the cooldown, and the lock slides: it is released only once a full cooldown
// passes with no further triggers.
func (s *Signal) Trigger(ctx context.Context, source string) bool {
	if s.creds != nil {
		if err := s.creds.Clear(ctx); err != nil {
			s.logger.Warn("clear credentials failed", zap.String("source", source), zap.Error(err))
		}
	}

	s.mu.Lock()
	now := s.now()
	show := s.lastShown.IsZero() ||
		(!now.Before(s.lastShown.Add(s.life+s.cooldown)) && now.Sub(s.lastTrigger) >= s.cooldown)
	if show {
		s.lastShown = now
	}
	s.lastTrigger = now
	evt := Event{Source: source, At: now.UTC(), NoticeShown: show}
	s.mu.Unlock()

	if show && s.notifier != nil {
		s.notifier.Notify(notice.Notice{
			Severity: notice.SeverityWarn,
			Summary:  "Session expired",
			Detail:   "Please sign in again.",
			Life:     s.life,
		})
	}
	s.logger.Info("unauthorized session",
		zap.String("source", source),
		zap.Bool("notice_shown", show),
	)
	s.metrics.ObserveUnauthorized(source, show)

	s.publish(evt)

	if s.nav != nil && s.nav.Current() != s.landing {
		s.nav.Navigate(s.landing)
	}
	return show
}

func (s *Signal) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.subscribers[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

func (s *Signal) publish(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
