package statetransfer

import (
	"testing"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftengine/bcst/wire"
)

func chunkMsg(block uint64, chunk, total uint16, data []byte, lastInBatch bool) *wire.ItemData {
	return &wire.ItemData{
		Header:                     wire.Header{SenderID: 1, MsgSeqNum: uint64(chunk)},
		BlockNumber:                block,
		TotalNumberOfChunksInBlock: total,
		ChunkNumber:                chunk,
		LastInBatch:                lastInBatch,
		Data:                       data,
	}
}

func TestOutOfOrderChunksAreTolerated(t *testing.T) {
	p := newPendingChunks()

	added, err := p.add(chunkMsg(7, 3, 3, []byte("cc"), true))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = p.add(chunkMsg(7, 1, 3, []byte("aa"), false))
	require.NoError(t, err)
	assert.True(t, added)

	// A missing chunk makes reassembly wait, not fail.
	_, _, ok, err := p.fullBlock(7)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = p.add(chunkMsg(7, 2, 3, []byte("bb"), false))
	require.NoError(t, err)

	data, lastInBatch, ok, err := p.fullBlock(7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("aabbcc"), data)
	assert.True(t, lastInBatch)
	assert.Zero(t, p.len())
	assert.Zero(t, p.size())
	pool.Put(data)
}

func TestDuplicateChunkIgnored(t *testing.T) {
	p := newPendingChunks()
	_, err := p.add(chunkMsg(7, 1, 2, []byte("aa"), false))
	require.NoError(t, err)
	added, err := p.add(chunkMsg(7, 1, 2, []byte("aa"), false))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 1, p.len())
}

func TestContradictoryChunksAreBadData(t *testing.T) {
	t.Run("different payload same chunk", func(t *testing.T) {
		p := newPendingChunks()
		_, err := p.add(chunkMsg(7, 1, 2, []byte("aa"), false))
		require.NoError(t, err)
		_, err = p.add(chunkMsg(7, 1, 2, []byte("xx"), false))
		assert.ErrorIs(t, err, errBadChunkData)
	})
	t.Run("different totals", func(t *testing.T) {
		p := newPendingChunks()
		_, err := p.add(chunkMsg(7, 1, 2, []byte("aa"), false))
		require.NoError(t, err)
		_, err = p.add(chunkMsg(7, 2, 3, []byte("bb"), false))
		assert.ErrorIs(t, err, errBadChunkData)
	})
	t.Run("chunk number above total", func(t *testing.T) {
		p := newPendingChunks()
		_, err := p.add(chunkMsg(7, 3, 2, []byte("aa"), false))
		assert.ErrorIs(t, err, errBadChunkData)
	})
	t.Run("empty payload", func(t *testing.T) {
		p := newPendingChunks()
		_, err := p.add(chunkMsg(7, 1, 1, nil, false))
		assert.ErrorIs(t, err, errBadChunkData)
	})
}

func TestBlocksTrackedIndependently(t *testing.T) {
	p := newPendingChunks()
	_, err := p.add(chunkMsg(9, 1, 1, []byte("ninth"), false))
	require.NoError(t, err)
	_, err = p.add(chunkMsg(8, 1, 1, []byte("eighth"), false))
	require.NoError(t, err)
	assert.Equal(t, 2, p.len())
	assert.Equal(t, uint32(len("ninth")+len("eighth")), p.size())

	data, _, ok, err := p.fullBlock(9)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("ninth"), data)
	pool.Put(data)

	// Block 8 remains buffered.
	assert.Equal(t, 1, p.len())
}

func TestContiguous(t *testing.T) {
	p := newPendingChunks()
	p.add(chunkMsg(7, 1, 4, []byte("a"), false))
	p.add(chunkMsg(7, 2, 4, []byte("b"), false))
	p.add(chunkMsg(7, 4, 4, []byte("d"), false))
	assert.Equal(t, uint16(2), p.contiguous(7))
	assert.Equal(t, uint16(0), p.contiguous(8))
}

func TestClear(t *testing.T) {
	p := newPendingChunks()
	p.add(chunkMsg(7, 1, 2, []byte("aa"), false))
	p.add(chunkMsg(6, 1, 1, []byte("bb"), true))
	assert.True(t, p.sawLastInBatch())
	p.clear()
	assert.Zero(t, p.len())
	assert.Zero(t, p.size())
	assert.False(t, p.sawLastInBatch())
}
