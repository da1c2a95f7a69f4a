package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfBlockBindsBlockNumber(t *testing.T) {
	block := []byte("same bytes")
	d1 := OfBlock(1, block)
	d2 := OfBlock(2, block)
	assert.NotEqual(t, d1, d2, "digest must bind the block to its position")
	assert.Equal(t, d1, OfBlock(1, block), "digest must be deterministic")
	assert.False(t, d1.IsZero())
}

func TestOfPageBindsIDAndCheckpoint(t *testing.T) {
	page := make([]byte, 64)
	assert.NotEqual(t, OfPage(0, 1, page), OfPage(1, 1, page))
	assert.NotEqual(t, OfPage(0, 1, page), OfPage(0, 2, page))
	assert.Equal(t, OfPage(3, 7, page), OfPage(3, 7, page))
}

func TestOfPagesDescriptor(t *testing.T) {
	entries := []PagesDescriptorEntry{
		{PageID: 0, CheckpointNum: 1, PageDigest: OfPage(0, 1, []byte("a"))},
		{PageID: 1, CheckpointNum: 2, PageDigest: OfPage(1, 2, []byte("b"))},
	}
	d := OfPagesDescriptor(entries)
	assert.Equal(t, d, OfPagesDescriptor(entries))

	// Any field change moves the digest.
	mutated := append([]PagesDescriptorEntry{}, entries...)
	mutated[1].CheckpointNum = 3
	assert.NotEqual(t, d, OfPagesDescriptor(mutated))

	assert.NotEqual(t, d, OfPagesDescriptor(entries[:1]))
}

func TestFromBytes(t *testing.T) {
	d := OfBlock(1, []byte("x"))
	out, err := FromBytes(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d, out)

	_, err = FromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
