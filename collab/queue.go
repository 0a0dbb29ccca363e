package collab

import (
	"context"
	"sync"
)

// a queue item is either an inbound client message or a control function
// applied by the consumer. control items let other components (the
// execution bridge, the file api) mutate the document without touching it
// directly, preserving the single-writer ownership of the document.
type queueItem struct {
	clientId Id
	message  []byte
	apply    func()
}

// messageQueue is the strictly-ordered inbound queue for one room.
// enqueue is O(1) and never blocks the caller. exactly one consumer drains
// it, so updates to one document are never applied concurrently.
type messageQueue struct {
	stateLock sync.Mutex
	items     []queueItem
	closed    bool

	notify chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		notify: make(chan struct{}, 1),
	}
}

func (self *messageQueue) add(item queueItem) bool {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return false
	}
	self.items = append(self.items, item)
	self.stateLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
	return true
}

// poll removes and returns the head item, waiting for one to arrive.
// returns false when the context is done or the queue is closed and empty.
func (self *messageQueue) poll(ctx context.Context) (queueItem, bool) {
	for {
		self.stateLock.Lock()
		if 0 < len(self.items) {
			item := self.items[0]
			self.items = self.items[1:]
			self.stateLock.Unlock()
			return item, true
		}
		closed := self.closed
		self.stateLock.Unlock()

		if closed {
			return queueItem{}, false
		}
		select {
		case <-ctx.Done():
			return queueItem{}, false
		case <-self.notify:
		}
	}
}

// drain atomically removes and returns all pending items. used when
// flushing in-flight entries during room drain.
func (self *messageQueue) drain() []queueItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := self.items
	self.items = nil
	return items
}

func (self *messageQueue) size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.items)
}

// close rejects future adds. pending items remain pollable until empty.
func (self *messageQueue) close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}
