package statetransfer

import (
	"bytes"
	"errors"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/bftengine/bcst/wire"
)

var errBadChunkData = errors.New("inconsistent chunk data")

// pendingChunks buffers ItemData messages awaiting reassembly, keyed by
// (blockNumber, chunkNumber). The engine always reassembles the highest
// required block first and walks backwards, so blocks are tracked
// independently and chunks may arrive in any order; a missing chunk makes
// reassembly wait, never fail.
type pendingChunks struct {
	chunks    map[uint64]map[uint16]*wire.ItemData
	totalSize uint32
	numMsgs   int
}

func newPendingChunks() *pendingChunks {
	return &pendingChunks{chunks: make(map[uint64]map[uint16]*wire.ItemData)}
}

// add buffers a chunk. Returns false for an identical duplicate;
// errBadChunkData when the chunk contradicts previously buffered chunks of
// the same block (different total, out-of-range chunk number, or a
// duplicate with different payload).
func (p *pendingChunks) add(m *wire.ItemData) (bool, error) {
	if m.TotalNumberOfChunksInBlock == 0 ||
		m.ChunkNumber == 0 ||
		m.ChunkNumber > m.TotalNumberOfChunksInBlock ||
		len(m.Data) == 0 {
		return false, errBadChunkData
	}
	blockChunks := p.chunks[m.BlockNumber]
	if blockChunks == nil {
		blockChunks = make(map[uint16]*wire.ItemData)
		p.chunks[m.BlockNumber] = blockChunks
	}
	for _, existing := range blockChunks {
		if existing.TotalNumberOfChunksInBlock != m.TotalNumberOfChunksInBlock {
			return false, errBadChunkData
		}
		break
	}
	if existing, ok := blockChunks[m.ChunkNumber]; ok {
		if bytes.Equal(existing.Data, m.Data) {
			return false, nil
		}
		return false, errBadChunkData
	}
	blockChunks[m.ChunkNumber] = m
	p.totalSize += m.DataSize()
	p.numMsgs++
	return true, nil
}

// fullBlock reassembles blockNum if all its chunks are buffered. The
// returned bytes come from the shared buffer pool; the caller must
// release them with pool.Put. lastInBatch reports whether the final chunk
// carried the batch terminator.
func (p *pendingChunks) fullBlock(blockNum uint64) (data []byte, lastInBatch bool, ok bool, err error) {
	blockChunks := p.chunks[blockNum]
	if len(blockChunks) == 0 {
		return nil, false, false, nil
	}
	var total uint16
	for _, c := range blockChunks {
		total = c.TotalNumberOfChunksInBlock
		break
	}
	if len(blockChunks) < int(total) {
		return nil, false, false, nil
	}
	size := 0
	for n := uint16(1); n <= total; n++ {
		c, present := blockChunks[n]
		if !present {
			return nil, false, false, errBadChunkData
		}
		size += len(c.Data)
	}
	buf := pool.Get(size)[:0]
	for n := uint16(1); n <= total; n++ {
		c := blockChunks[n]
		buf = append(buf, c.Data...)
		if n == total {
			lastInBatch = c.LastInBatch
		}
	}
	p.clearBlock(blockNum)
	return buf, lastInBatch, true, nil
}

// contiguous returns the highest k such that chunks 1..k of blockNum are
// buffered, for resume-from-chunk requests.
func (p *pendingChunks) contiguous(blockNum uint64) uint16 {
	blockChunks := p.chunks[blockNum]
	var k uint16
	for {
		if _, ok := blockChunks[k+1]; !ok {
			return k
		}
		k++
	}
}

// sawLastInBatch reports whether any buffered chunk carries the batch
// terminator.
func (p *pendingChunks) sawLastInBatch() bool {
	for _, blockChunks := range p.chunks {
		for _, c := range blockChunks {
			if c.LastInBatch {
				return true
			}
		}
	}
	return false
}

func (p *pendingChunks) clearBlock(blockNum uint64) {
	for _, c := range p.chunks[blockNum] {
		p.totalSize -= c.DataSize()
		p.numMsgs--
	}
	delete(p.chunks, blockNum)
}

func (p *pendingChunks) clear() {
	p.chunks = make(map[uint64]map[uint16]*wire.ItemData)
	p.totalSize = 0
	p.numMsgs = 0
}

func (p *pendingChunks) size() uint32 { return p.totalSize }
func (p *pendingChunks) len() int     { return p.numMsgs }
