package realtime

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	a := NewId()
	for _i := 0; _i < 1024; _i++ {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b := NewId()
	test1.B = &b

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)
	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, *test1.B, *test2.B)

	parsed, err := ParseId(test1.A.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, test1.A)
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	a := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.Equal(t, callbacks.Len(), 3)

	// a snapshot is not affected by later changes
	snapshot := callbacks.Get()
	callbacks.Remove(a)
	callbacks.Remove(a)
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, callbacks.Len(), 2)

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{2, 3})

	callbacks.Clear()
	assert.Equal(t, callbacks.Len(), 0)
}

func TestKeyedTimersStaleFire(t *testing.T) {
	var stateLock sync.Mutex
	timers := newKeyedTimers[string]()
	fired := []uint64{}
	current := []uint64{}

	fire := func(generation uint64) {
		stateLock.Lock()
		defer stateLock.Unlock()
		fired = append(fired, generation)
		if timers.consume("a", generation) {
			current = append(current, generation)
		}
	}

	func() {
		stateLock.Lock()
		defer stateLock.Unlock()
		timers.reset("a", 20*time.Millisecond, fire)
		// replaces the first timer
		timers.reset("a", 40*time.Millisecond, fire)
	}()

	time.Sleep(150 * time.Millisecond)

	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, len(current), 1)
	assert.Equal(t, timers.len(), 0)
	// the current generation is the second one
	assert.Equal(t, current[0], uint64(2))
	assert.Equal(t, timers.consume("a", current[0]), false)
}

func TestHandleError(t *testing.T) {
	var handled error
	r := HandleError(func() {
		panic("test")
	}, func(err error) {
		handled = err
	})
	assert.NotEqual(t, r, nil)
	assert.NotEqual(t, handled, nil)

	r = HandleError(func() {})
	assert.Equal(t, r, nil)
}
