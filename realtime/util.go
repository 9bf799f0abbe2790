package realtime

import (
	"sync"
	"time"
)

// makes a copy of the list on update
// callbacks are returned in the order they were added
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   []T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := make([]int, len(self.callbackIds), len(self.callbackIds)+1)
	copy(nextCallbackIds, self.callbackIds)
	nextCallbacks := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)

	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks = append(nextCallbacks, callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, id := range self.callbackIds {
		if id == callbackId {
			i = j
			break
		}
	}
	if i < 0 {
		// not present
		return
	}

	nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
	nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
	nextCallbacks := make([]T, 0, len(self.callbacks)-1)
	nextCallbacks = append(nextCallbacks, self.callbacks[:i]...)
	nextCallbacks = append(nextCallbacks, self.callbacks[i+1:]...)

	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbackIds = []int{}
	self.callbacks = []T{}
}

// timers keyed by entity
// a fire whose generation no longer matches the key's current generation is stale and must be dropped
type keyedTimers[K comparable] struct {
	generation uint64
	timers     map[K]*keyedTimer
}

type keyedTimer struct {
	generation uint64
	timer      *time.Timer
}

func newKeyedTimers[K comparable]() *keyedTimers[K] {
	return &keyedTimers[K]{
		timers: map[K]*keyedTimer{},
	}
}

// must be called with the owner's state lock
// `fire` runs on the timer goroutine and receives the generation it was scheduled with
func (self *keyedTimers[K]) reset(key K, timeout time.Duration, fire func(generation uint64)) {
	self.cancel(key)
	self.generation += 1
	generation := self.generation
	self.timers[key] = &keyedTimer{
		generation: generation,
		timer: time.AfterFunc(timeout, func() {
			fire(generation)
		}),
	}
}

// must be called with the owner's state lock
func (self *keyedTimers[K]) cancel(key K) bool {
	if t, ok := self.timers[key]; ok {
		t.timer.Stop()
		delete(self.timers, key)
		return true
	}
	return false
}

// must be called with the owner's state lock
// true if the fire is current, in which case the timer entry is consumed
func (self *keyedTimers[K]) consume(key K, generation uint64) bool {
	t, ok := self.timers[key]
	if !ok || t.generation != generation {
		return false
	}
	delete(self.timers, key)
	return true
}

// must be called with the owner's state lock
func (self *keyedTimers[K]) cancelAll() {
	for key, t := range self.timers {
		t.timer.Stop()
		delete(self.timers, key)
	}
}

func (self *keyedTimers[K]) len() int {
	return len(self.timers)
}
