package broadcast

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"e2e_relay/internal/utils/log"
)

var (
	ErrQueueFull = errors.New("send queue full")
	ErrClosed    = errors.New("connection closed")
)

type (
	// Frame is one encoded packet on its way to a recipient.
	Frame struct {
		ChatID  uint32
		Sender  string
		Encoded []byte
	}

	// Sink is the transport half of a connection. WriteFrame is only ever
	// called from the connection's writer goroutine.
	Sink interface {
		WriteFrame(f *Frame) error
		Close() error
	}

	// Client is a live connection registered with the Router: a bounded send
	// queue drained by one writer goroutine.
	Client struct {
		userID string
		sink   Sink
		send   chan *Frame

		done      chan struct{}
		closeOnce sync.Once
		exited    chan struct{}

		onWriteError func(*Client, error)
	}
)

func newClient(userID string, sink Sink, queue int, onWriteError func(*Client, error)) *Client {
	c := &Client{
		userID:       userID,
		sink:         sink,
		send:         make(chan *Frame, queue),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
		onWriteError: onWriteError,
	}
	go c.writePump()
	return c
}

func (c *Client) UserID() string { return c.userID }

// Send queues f without blocking.
func (c *Client) Send(f *Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the writer after it flushes what is already queued, then
// closes the sink. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Abort closes the sink immediately, unblocking a writer stuck on a slow
// peer. Queued frames are discarded.
func (c *Client) Abort() {
	c.Close()
	if err := c.sink.Close(); err != nil {
		log.Debug("abort sink", zap.String("user_id", c.userID), zap.Error(err))
	}
}

// Done is closed once the writer goroutine has exited and the sink is closed.
func (c *Client) Done() <-chan struct{} { return c.exited }

func (c *Client) writePump() {
	defer func() {
		if err := c.sink.Close(); err != nil {
			log.Debug("close sink", zap.String("user_id", c.userID), zap.Error(err))
		}
		close(c.exited)
	}()

	for {
		select {
		case f := <-c.send:
			if err := c.sink.WriteFrame(f); err != nil {
				if !c.closed() {
					c.onWriteError(c, err)
				}
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case f := <-c.send:
			if err := c.sink.WriteFrame(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
