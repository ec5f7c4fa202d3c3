package cleanup

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlush_RunsNewestFirst(t *testing.T) {
	r := New()
	var order []string
	r.Add("subscription", func() { order = append(order, "subscription") })
	r.Add("sampler", func() { order = append(order, "sampler") })
	r.Add("timer", func() { order = append(order, "timer") })

	assert.Equal(t, []string{"subscription", "sampler", "timer"}, r.Names())

	r.Flush()
	assert.Equal(t, []string{"timer", "sampler", "subscription"}, order)
	assert.Equal(t, 0, r.Len())

	r.Flush()
	assert.Len(t, order, 3)
}

func TestHandle_ReleaseOnce(t *testing.T) {
	r := New()
	calls := 0
	h := r.Add("watch", func() { calls++ })

	h.Release()
	h.Release()
	r.Flush()

	assert.Equal(t, 1, calls)
}

func TestAdd_AfterFlushRunsImmediately(t *testing.T) {
	r := New()
	r.Flush()

	ran := false
	h := r.Add("late", func() { ran = true })
	assert.True(t, ran)
	h.Release()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_Concurrent(t *testing.T) {
	r := New()
	var mu sync.Mutex
	released := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := r.Add("w", func() {
				mu.Lock()
				released++
				mu.Unlock()
			})
			h.Release()
		}()
	}
	wg.Wait()
	r.Flush()

	assert.Equal(t, 50, released)
}
