package statetransfer

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffRunsTasksInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	h := newHandoff()
	done := make(chan struct{})
	go func() {
		_ = h.run()
		close(done)
	}()

	var got []int
	finished := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, h.push(func() {
			got = append(got, i)
			if i == 9 {
				close(finished)
			}
		}))
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("tasks not drained")
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	h.stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestHandoffRejectsAfterStop(t *testing.T) {
	h := newHandoff()
	h.stop()
	assert.False(t, h.push(func() {}))
	// A stopped handoff lets the worker drain immediately.
	assert.NoError(t, h.run())
}

func TestHandoffStopIsIdempotent(t *testing.T) {
	h := newHandoff()
	h.stop()
	h.stop()
}
