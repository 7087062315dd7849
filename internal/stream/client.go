package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client is one attached consumer with a bounded outbound queue. A slow or
// dead client never blocks fan-out: when its queue is full the oldest
// message is dropped and counted.
type Client struct {
	id  string
	out chan Message

	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func NewClient(queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{id: uuid.NewString(), out: make(chan Message, queueSize)}
}

func (c *Client) ID() string { return c.id }

// Out is the client's delivery channel. It is closed when the client is
// detached from the multiplexer.
func (c *Client) Out() <-chan Message { return c.out }

// Dropped returns the number of messages discarded due to queue overflow.
// Monotonically increasing.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

// push enqueues without blocking, evicting the oldest queued message when
// full. Serialized so concurrent provider read loops cannot interleave an
// eviction with a send.
func (c *Client) push(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.out <- msg:
			return
		default:
		}
		select {
		case <-c.out:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}
