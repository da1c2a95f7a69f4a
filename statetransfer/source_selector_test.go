package statetransfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSourcePicksFromPreferred(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2, 3}, time.Second, 42)
	require.False(t, s.hasSource())
	require.True(t, s.shouldReplace(time.Now()))

	src := s.selectSource(time.Now())
	assert.Contains(t, []uint16{1, 2, 3}, src)
	assert.True(t, s.hasSource())
	assert.True(t, s.isCurrentSource(src))
}

func TestSelectSourceAvoidsCurrent(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2, 3}, time.Second, 42)
	for i := 0; i < 20; i++ {
		old := s.currentSource
		src := s.selectSource(time.Now())
		if old != NoSource {
			assert.NotEqual(t, old, src, "rotation must pick a different source when possible")
		}
	}
}

func TestShouldReplaceAfterTimeout(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2}, 50*time.Millisecond, 1)
	now := time.Now()
	s.selectSource(now)
	assert.False(t, s.shouldReplace(now.Add(10*time.Millisecond)))
	assert.True(t, s.shouldReplace(now.Add(60*time.Millisecond)))

	// A valid block resets the stall clock.
	s.onReceivedValidBlock(now.Add(55 * time.Millisecond))
	assert.False(t, s.shouldReplace(now.Add(60*time.Millisecond)))
}

func TestMarkBadRemovesAndReseedsWhenEmpty(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2}, time.Second, 7)
	s.selectSource(time.Now())

	s.markBad(1)
	assert.NotContains(t, s.preferredReplicas, uint16(1))

	s.markBad(2)
	// Every replica was bad: restart with the full set.
	assert.Len(t, s.preferredReplicas, 2)
}

func TestMarkBadCurrentSourceDropsIt(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2, 3}, time.Second, 7)
	src := s.selectSource(time.Now())
	s.markBad(src)
	assert.False(t, s.hasSource())
	next := s.selectSource(time.Now())
	assert.NotEqual(t, src, next)
}

func TestForceReplace(t *testing.T) {
	s := newSourceSelector([]uint16{1, 2, 3}, time.Hour, 7)
	src := s.selectSource(time.Now())
	s.forceReplace()
	assert.False(t, s.hasSource())
	// The old source stays preferred; it was not caught misbehaving.
	assert.Contains(t, s.preferredReplicas, src)
}
