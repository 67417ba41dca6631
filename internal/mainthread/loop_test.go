package mainthread

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoopRunsInPostOrder(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	l.Flush()

	assert.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoopNeverRunsConcurrently(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()

	var inside, overlaps atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Post(func() {
					if inside.Add(1) > 1 {
						overlaps.Add(1)
					}
					inside.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	l.Flush()

	assert.Zero(t, overlaps.Load())
}

func TestLoopSurvivesPanics(t *testing.T) {
	l := NewLoop(nil)
	defer l.Close()

	ran := false
	l.Post(func() { panic("callback bug") })
	l.Post(func() { ran = true })
	l.Flush()

	assert.True(t, ran)
}

func TestLoopClose(t *testing.T) {
	l := NewLoop(nil)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		l.Post(func() { count.Add(1) })
	}
	l.Close()
	assert.Equal(t, int32(10), count.Load())

	l.Post(func() { count.Add(1) })
	l.Flush()
	l.Close()
	assert.Equal(t, int32(10), count.Load())
}

func TestInline(t *testing.T) {
	ran := false
	Inline{}.Post(func() { ran = true })
	assert.True(t, ran)
}
