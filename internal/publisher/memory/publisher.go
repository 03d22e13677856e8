// Package memory keeps published notifications in memory, for local runs and
// tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultLimit bounds the messages a Publisher retains.
const DefaultLimit = 1000

// Publisher stores the most recent published payloads for inspection and logs
// each one at debug level.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	total    int
	messages []PublishedMessage
	logger   *zap.Logger
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a memory Publisher keeping at most limit messages (DefaultLimit
// when limit <= 0). Older messages are dropped first.
func New(limit int, logger *zap.Logger) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{limit: limit, logger: logger}
}

// Publish records the message and returns a sequential pseudo ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.total++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.total), Topic: topic, Payload: payload}
	if len(p.messages) == p.limit {
		p.messages = append(p.messages[:0], p.messages[1:]...)
	}
	p.messages = append(p.messages, msg)
	p.mu.Unlock()

	p.logger.Debug("notification published", zap.String("id", msg.ID), zap.String("topic", topic), zap.Any("payload", payload))
	return msg.ID, nil
}

// Messages returns a copy of the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Total reports how many messages were published, including dropped ones.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
