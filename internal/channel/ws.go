package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/observability"
	"github.com/ent0n29/pastexam/internal/protocol"
	"github.com/ent0n29/pastexam/internal/redact"
)

const wsWriteTimeout = 5 * time.Second

// TokenSource yields the current bearer token, empty when signed out.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type WSDialerConfig struct {
	BaseURL          string
	Tokens           TokenSource
	HandshakeTimeout time.Duration
	// Name labels metrics and logs, e.g. "task" or "discussion".
	Name string
	// OnUnauthorized runs on the reader goroutine when the server closes with
	// the unauthorized code, before the closed event is delivered.
	OnUnauthorized func(ctx context.Context)
	Logger         *zap.Logger
	Metrics        *observability.Metrics
}

// WSDialer opens gorilla websocket channels. It never reconnects.
type WSDialer struct {
	cfg    WSDialerConfig
	dialer websocket.Dialer
}

func NewWSDialer(cfg WSDialerConfig) *WSDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "channel"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &WSDialer{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (d *WSDialer) Dial(ctx context.Context, path string) (Channel, error) {
	token := ""
	if d.cfg.Tokens != nil {
		t, err := d.cfg.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		token = t
	}
	wsURL, err := BuildURL(d.cfg.BaseURL, path, map[string]string{"token": token})
	if err != nil {
		return nil, err
	}

	d.cfg.Logger.Debug("dialing channel", zap.String("channel", d.cfg.Name), zap.String("url", redact.String(wsURL)))
	conn, resp, err := d.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s channel dial failed (%s): %w", d.cfg.Name, resp.Status, err)
		}
		return nil, fmt.Errorf("%s channel dial failed: %w", d.cfg.Name, err)
	}

	c := newWSChannel(conn, d.cfg)
	d.cfg.Metrics.ChannelOpened(d.cfg.Name)
	d.cfg.Logger.Debug("channel opened", zap.String("channel", d.cfg.Name), zap.String("path", path))
	return c, nil
}

type wsChannel struct {
	conn   *websocket.Conn
	cfg    WSDialerConfig
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, cfg WSDialerConfig) *wsChannel {
	c := &wsChannel{
		conn:   conn,
		cfg:    cfg,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *wsChannel) Events() <-chan Event { return c.events }

func (c *wsChannel) readLoop() {
	defer close(c.events)
	defer c.cfg.Metrics.ChannelClosed(c.cfg.Name)
	defer c.conn.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		c.cfg.Metrics.ObserveChannelEvent(c.cfg.Name, string(EventMessage))
		if !c.emit(Event{Kind: EventMessage, Data: data}) {
			return
		}
	}
}

func (c *wsChannel) finish(err error) {
	select {
	case <-c.done:
		// Closed by the owner; nothing is reported after Close.
		return
	default:
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.cfg.Metrics.ObserveChannelEvent(c.cfg.Name, string(EventClosed))
		if ce.Code == protocol.CloseUnauthorized {
			c.cfg.Logger.Info("channel closed as unauthorized", zap.String("channel", c.cfg.Name))
			if c.cfg.OnUnauthorized != nil {
				c.cfg.OnUnauthorized(context.Background())
			}
		}
		c.emit(Event{Kind: EventClosed, Code: ce.Code, Reason: ce.Text})
		return
	}

	c.cfg.Logger.Warn("channel read failed", zap.String("channel", c.cfg.Name), zap.Error(err))
	c.cfg.Metrics.ObserveChannelEvent(c.cfg.Name, string(EventError))
	if !c.emit(Event{Kind: EventError, Err: err}) {
		return
	}
	c.emit(Event{Kind: EventClosed, Code: CloseAbnormal, Reason: "connection lost"})
}

func (c *wsChannel) emit(evt Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- evt:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsChannel) Send(ctx context.Context, v any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	defer c.conn.SetWriteDeadline(time.Time{})
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("%s channel write: %w", c.cfg.Name, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
		c.cfg.Logger.Debug("channel closed by owner", zap.String("channel", c.cfg.Name))
	})
	return nil
}
