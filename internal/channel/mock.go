package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ent0n29/pastexam/internal/protocol"
)

// MockChannel is a scripted Channel fed by the test through Push helpers.
type MockChannel struct {
	Path string
	// OnUnauthorized mirrors WSDialerConfig.OnUnauthorized for scripted closes.
	OnUnauthorized func(ctx context.Context)

	mu     sync.Mutex
	events chan Event
	closed bool
	sent   [][]byte
	closes int
}

func NewMockChannel(path string) *MockChannel {
	return &MockChannel{Path: path, events: make(chan Event, 64)}
}

func (c *MockChannel) Events() <-chan Event { return c.events }

func (c *MockChannel) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, b)
	return nil
}

func (c *MockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

// Push delivers evt unless the channel was closed or its buffer is full. It
// reports delivery and never blocks.
func (c *MockChannel) Push(evt Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- evt:
		return true
	default:
		return false
	}
}

// PushJSON delivers v encoded as a message event.
func (c *MockChannel) PushJSON(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.Push(Event{Kind: EventMessage, Data: b})
}

// PushError simulates a dropped connection: an error then an abnormal close.
func (c *MockChannel) PushError() bool {
	if !c.Push(Event{Kind: EventError, Err: errors.New("connection reset")}) {
		return false
	}
	return c.Push(Event{Kind: EventClosed, Code: CloseAbnormal})
}

// PushClose delivers a server close with code. The unauthorized hook runs
// first, as it does for real channels.
func (c *MockChannel) PushClose(code int) bool {
	if code == protocol.CloseUnauthorized && c.OnUnauthorized != nil && !c.Closed() {
		c.OnUnauthorized(context.Background())
	}
	return c.Push(Event{Kind: EventClosed, Code: code})
}

func (c *MockChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls counts Close invocations, including repeats.
func (c *MockChannel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *MockChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// MockDialer records dials and hands out MockChannels.
type MockDialer struct {
	Err            error
	OnUnauthorized func(ctx context.Context)

	mu       sync.Mutex
	channels []*MockChannel
	dialed   chan *MockChannel
}

func NewMockDialer() *MockDialer {
	return &MockDialer{dialed: make(chan *MockChannel, 16)}
}

func (d *MockDialer) Dial(ctx context.Context, path string) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	if d.Err != nil {
		err := d.Err
		d.mu.Unlock()
		return nil, err
	}
	c := NewMockChannel(path)
	c.OnUnauthorized = d.OnUnauthorized
	d.channels = append(d.channels, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dialed yields each channel as it is opened.
func (d *MockDialer) Dialed() <-chan *MockChannel { return d.dialed }

func (d *MockDialer) Channels() []*MockChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockChannel(nil), d.channels...)
}

func (d *MockDialer) SetErr(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}
