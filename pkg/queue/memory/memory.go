// Package memory provides an in-process queue.Transport with visibility
// timeouts and deduplication ids. It is intended for tests, local development
// and single-process deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

// DefaultDedupWindow matches the usual FIFO queue deduplication interval.
const DefaultDedupWindow = 5 * time.Minute

type message struct {
	id             string
	body           []byte
	handle         string
	invisibleUntil time.Time
	receiveCount   int
}

type memQueue struct {
	messages []*message
	dedup    map[string]dedupEntry
	// ready is closed and replaced whenever a message is published.
	ready chan struct{}
}

type dedupEntry struct {
	id      string
	expires time.Time
}

// Transport implements queue.Transport in memory.
type Transport struct {
	mu          sync.Mutex
	queues      map[string]*memQueue
	dedupWindow time.Duration
	now         func() time.Time
}

var _ queue.Transport = (*Transport)(nil)

// New creates an empty in-memory transport.
func New() *Transport {
	return &Transport{
		queues:      make(map[string]*memQueue),
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
	}
}

// queueLocked returns the named queue, creating it. Caller holds mu.
func (t *Transport) queueLocked(name string) *memQueue {
	q, ok := t.queues[name]
	if !ok {
		q = &memQueue{
			dedup: make(map[string]dedupEntry),
			ready: make(chan struct{}),
		}
		t.queues[name] = q
	}
	return q
}

// Publish implements queue.Transport
func (t *Transport) Publish(_ context.Context, name string, body []byte, opts queue.PublishOptions) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queueLocked(name)
	now := t.now()
	if opts.DeduplicationID != "" {
		if d, ok := q.dedup[opts.DeduplicationID]; ok && now.Before(d.expires) {
			return d.id, nil
		}
	}

	m := &message{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	}
	q.messages = append(q.messages, m)
	if opts.DeduplicationID != "" {
		q.dedup[opts.DeduplicationID] = dedupEntry{id: m.id, expires: now.Add(t.dedupWindow)}
	}

	close(q.ready)
	q.ready = make(chan struct{})
	return m.id, nil
}

// Receive implements queue.Transport
func (t *Transport) Receive(ctx context.Context, name string, opts queue.ReceiveOptions) ([]queue.Message, error) {
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = 1
	}
	var deadline <-chan time.Time
	if opts.WaitTime > 0 {
		timer := time.NewTimer(opts.WaitTime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		msgs, ready := t.take(name, limit, opts.VisibilityTimeout)
		if len(msgs) > 0 || deadline == nil {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-ready:
		}
	}
}

// take claims up to limit visible messages and returns the queue's ready
// channel for waiting when none were available.
func (t *Transport) take(name string, limit int, visibility time.Duration) ([]queue.Message, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queueLocked(name)
	now := t.now()
	var out []queue.Message
	for _, m := range q.messages {
		if len(out) == limit {
			break
		}
		if now.Before(m.invisibleUntil) {
			continue
		}
		m.handle = uuid.NewString()
		m.invisibleUntil = now.Add(visibility)
		m.receiveCount++
		out = append(out, queue.Message{
			ID:           m.id,
			Body:         append([]byte(nil), m.body...),
			Handle:       m.handle,
			ReceiveCount: m.receiveCount,
		})
	}
	return out, q.ready
}

// Delete implements queue.Transport
func (t *Transport) Delete(_ context.Context, name, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := t.queueLocked(name)
	for i, m := range q.messages {
		if m.handle == handle && handle != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return queue.ErrInvalidHandle
}

// Len returns the number of messages in the queue, visible or not.
func (t *Transport) Len(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queueLocked(name).messages)
}

// Bodies returns a copy of every message body in the queue, in order.
func (t *Transport) Bodies(name string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out [][]byte
	for _, m := range t.queueLocked(name).messages {
		out = append(out, append([]byte(nil), m.body...))
	}
	return out
}
