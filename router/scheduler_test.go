package router

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackgroundRefusesTasksAfterClose(t *testing.T) {
	b := &Background{}
	var ran atomic.Int32
	assert.True(t, b.Go(func() { ran.Add(1) }))
	b.Close()
	assert.Equal(t, int32(1), ran.Load(), "Close waits for pending tasks")

	assert.False(t, b.Go(func() { ran.Add(1) }))
	b.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestBackgroundCloseWhileScheduling(t *testing.T) {
	b := &Background{}
	var (
		accepted atomic.Int32
		ran      atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Go(func() { ran.Add(1) }) {
				accepted.Add(1)
			}
		}()
	}
	b.Close()
	wg.Wait()
	b.Wait()
	assert.Equal(t, accepted.Load(), ran.Load(), "every accepted task runs")
}

func TestFetchAfterCloseIsNotStored(t *testing.T) {
	f := newFixture(t)
	f.scheduler.Close()

	res, outcome := f.router.Serve(get("https://app.test/glp/items"))
	assert.Equal(t, "network /glp/items", readBody(t, res))
	assert.False(t, outcome.Stored)
	assert.Equal(t, 0, f.dynamicLen(t))
}
