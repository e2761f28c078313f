package events

import "sync"

const defaultBufferSize = 1024

type message struct {
	Kind string
	Data []byte
}

// buffer is a bounded fifo of pending notifications. When it is full the
// oldest notification is dropped so publishing never blocks the event loop.
type buffer struct {
	lock    sync.Mutex
	items   []*message
	limit   int
	dropped int
}

func newBuffer(limit int) *buffer {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	return &buffer{limit: limit}
}

// Push appends msg and reports whether an older message was dropped to make room.
func (b *buffer) Push(msg *message) bool {
	b.lock.Lock()
	defer b.lock.Unlock()

	dropped := false
	if len(b.items) >= b.limit {
		b.items[0] = nil
		b.items = b.items[1:]
		b.dropped++
		dropped = true
	}
	b.items = append(b.items, msg)
	return dropped
}

func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	msg := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	return msg
}

func (b *buffer) Len() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.items)
}

func (b *buffer) Dropped() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.dropped
}
