package collab

import (
	"sync"

	"golang.org/x/exp/maps"
)

// makes a copy of the list on update so that invocation never holds the lock
type callbackList[T any] struct {
	stateLock sync.Mutex
	nextSubId int
	callbacks map[int]T
}

func newCallbackList[T any]() *callbackList[T] {
	return &callbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *callbackList[T]) add(callback T) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	self.callbacks[subId] = callback
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.callbacks, subId)
	}
}

func (self *callbackList[T]) get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Values(self.callbacks)
}

// an event that can be signaled at most once and waited on by many
type event struct {
	once sync.Once
	c    chan struct{}
}

func newEvent() *event {
	return &event{
		c: make(chan struct{}),
	}
}

func (self *event) Set() {
	self.once.Do(func() {
		close(self.c)
	})
}

func (self *event) IsSet() bool {
	select {
	case <-self.c:
		return true
	default:
		return false
	}
}

func (self *event) WaitChan() <-chan struct{} {
	return self.c
}
