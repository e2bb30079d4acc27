package notice

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/redact"
)

type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarn    Severity = "warn"
	SeverityError   Severity = "error"
)

// Notice is one transient user-facing message.
type Notice struct {
	Severity Severity      `json:"severity"`
	Summary  string        `json:"summary"`
	Detail   string        `json:"detail,omitempty"`
	Life     time.Duration `json:"-"`
	At       time.Time     `json:"at"`
}

// Notifier shows notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// Hub logs every notice and fans it out to subscribers. Slow subscribers drop notices.
type Hub struct {
	logger *zap.Logger

	mu          sync.Mutex
	nextSubID   int
	subscribers map[int]chan Notice
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:      logger,
		subscribers: make(map[int]chan Notice),
	}
}

func (h *Hub) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	h.logger.Info("notice",
		zap.String("severity", string(n.Severity)),
		zap.String("summary", n.Summary),
		zap.String("detail", redact.String(n.Detail)),
	)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *Hub) Subscribe() (<-chan Notice, func()) {
	ch := make(chan Notice, 64)
	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	h.subscribers[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
}
