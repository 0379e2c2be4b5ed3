// Package broadcast fans encoded packets out to the live connections of a
// chat's members.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"e2e_relay/internal/metrics"
	"e2e_relay/internal/utils/log"
)

var ErrDuplicateUser = errors.New("user already connected")

type (
	// MemberSource resolves the members of a chat.
	MemberSource interface {
		Members(ctx context.Context, chatID uint32) ([]string, error)
	}

	Router struct {
		mu      sync.RWMutex
		clients map[string]*Client

		members   MemberSource
		queueSize int
		metrics   *metrics.Metrics
	}

	RouterOption func(*Router)
)

func WithQueueSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

func NewRouter(members MemberSource, opts ...RouterOption) *Router {
	r := &Router{
		clients:   make(map[string]*Client),
		members:   members,
		queueSize: 256,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register starts the writer for a new connection of userID.
func (r *Router) Register(userID string, sink Sink) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[userID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, userID)
	}

	c := newClient(userID, sink, r.queueSize, r.writeFailed)
	r.clients[userID] = c
	if r.metrics != nil {
		r.metrics.Connections.Inc()
	}
	return c, nil
}

// Unregister removes c from the registry and closes it after its queue is
// flushed. Only c's own entry is touched; a newer connection of the same user
// is left alone.
func (r *Router) Unregister(c *Client) {
	r.remove(c)
	c.Close()
}

// drop removes c and closes its transport without flushing.
func (r *Router) drop(c *Client) {
	r.remove(c)
	c.Abort()
}

func (r *Router) remove(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[c.userID]; ok && cur == c {
		delete(r.clients, c.userID)
		if r.metrics != nil {
			r.metrics.Connections.Dec()
		}
	}
}

func (r *Router) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[userID]
	return c, ok
}

func (r *Router) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SendTo queues f for a single user. A full queue disconnects that user.
func (r *Router) SendTo(userID string, f *Frame) error {
	c, ok := r.Lookup(userID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrClosed, userID)
	}
	if err := c.Send(f); err != nil {
		r.deliveryFailed(c, f.ChatID, err)
		return err
	}
	return nil
}

// Deliver queues encoded for every connected member of chatID except sender
// and returns how many recipients accepted it. Failures are logged and
// counted per recipient; they never stop the fan-out.
func (r *Router) Deliver(ctx context.Context, chatID uint32, encoded []byte, sender string) int {
	members, err := r.members.Members(ctx, chatID)
	if err != nil {
		log.Warn("deliver: resolve members", zap.Uint32("chat_id", chatID), zap.Error(err))
		return 0
	}

	f := &Frame{ChatID: chatID, Sender: sender, Encoded: encoded}
	delivered := 0
	for _, userID := range members {
		if userID == sender {
			continue
		}
		c, ok := r.Lookup(userID)
		if !ok {
			continue
		}
		if err := c.Send(f); err != nil {
			r.deliveryFailed(c, chatID, err)
			continue
		}
		delivered++
	}

	if r.metrics != nil {
		r.metrics.PacketsDelivered.Add(float64(delivered))
	}
	return delivered
}

// Close disconnects every client.
func (r *Router) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		r.Unregister(c)
	}
}

func (r *Router) deliveryFailed(c *Client, chatID uint32, err error) {
	reason := "closed"
	if errors.Is(err, ErrQueueFull) {
		reason = "queue_full"
	}
	if r.metrics != nil {
		r.metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	}
	log.Warn("delivery failed",
		zap.String("user_id", c.userID),
		zap.Uint32("chat_id", chatID),
		zap.Error(err))

	if errors.Is(err, ErrQueueFull) {
		r.drop(c)
	}
}

func (r *Router) writeFailed(c *Client, err error) {
	if r.metrics != nil {
		r.metrics.DeliveryFailures.WithLabelValues("write").Inc()
	}
	log.Warn("write failed, dropping connection", zap.String("user_id", c.userID), zap.Error(err))
	r.drop(c)
}
