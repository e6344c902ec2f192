// Package notify is an in-process broadcast center for named notifications.
package notify

import (
	"sync"
	"time"

	"github.com/dmdmdm-nz/reachd/internal/runtime"
)

type Notification[T any] struct {
	Name     string
	Object   T
	PostedAt time.Time
}

type subscriber[T any] struct {
	name  string
	queue *runtime.SubQueue[Notification[T]]
}

// Center delivers posted notifications to every subscriber registered for
// the name. Each subscriber has its own queue, so a slow reader never blocks
// Post.
type Center[T any] struct {
	mu     sync.Mutex
	subs   map[int]subscriber[T]
	nextID int
	closed bool
}

func NewCenter[T any]() *Center[T] {
	return &Center[T]{subs: make(map[int]subscriber[T])}
}

// Subscribe registers for notifications called name, or for all of them when
// name is empty.
func (c *Center[T]) Subscribe(name string) (<-chan Notification[T], func()) {
	q := runtime.NewLiveSubQueue[Notification[T]](16)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		q.Close()
		return q.Chan(), func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = subscriber[T]{name: name, queue: q}
	c.mu.Unlock()

	unsub := func() {
		c.mu.Lock()
		if s, ok := c.subs[id]; ok {
			delete(c.subs, id)
			s.queue.Close()
		}
		c.mu.Unlock()
	}
	return q.Chan(), unsub
}

// Post delivers object to the matching subscribers and returns how many
// received it.
func (c *Center[T]) Post(name string, object T) int {
	n := Notification[T]{Name: name, Object: object, PostedAt: time.Now()}

	c.mu.Lock()
	defer c.mu.Unlock()
	delivered := 0
	for _, s := range c.subs {
		if s.name != "" && s.name != name {
			continue
		}
		if s.queue.Enqueue(n) {
			delivered++
		}
	}
	return delivered
}

func (c *Center[T]) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close closes every subscriber channel. Later posts are dropped.
func (c *Center[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, s := range c.subs {
		s.queue.Close()
		delete(c.subs, id)
	}
	return nil
}
