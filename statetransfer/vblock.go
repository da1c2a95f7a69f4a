package statetransfer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bftengine/bcst/datastore"
)

// A virtual block packs exactly those reserved-page snapshots the
// requester is missing: pages whose snapshot checkpoint exceeds the
// checkpoint the requester reported as known.
//
// Layout (little-endian): header {checkpointNum u64,
// lastCheckpointKnownToRequester u64, numberOfUpdatedPages u32}, then per
// page {pageId u32, checkpointNum u64, page bytes (fixed page size)}.

const vblockHeaderSize = 8 + 8 + 4

type vblockEntry struct {
	pageID        uint32
	checkpointNum uint64
	page          []byte
}

var errMalformedVBlock = errors.New("malformed virtual block")

func buildVBlock(
	ds *datastore.Store,
	checkpointNum uint64,
	lastCheckpointKnownToRequester uint64,
	numPages uint32,
	pageSize uint32,
) []byte {
	var entries []vblockEntry
	for pageID := uint32(0); pageID < numPages; pageID++ {
		page, ok := ds.GetResPage(pageID, checkpointNum)
		if !ok {
			panic(fmt.Sprintf("reserved page %d has no snapshot at or below checkpoint %d", pageID, checkpointNum))
		}
		if page.CheckpointNum > lastCheckpointKnownToRequester {
			entries = append(entries, vblockEntry{
				pageID:        pageID,
				checkpointNum: page.CheckpointNum,
				page:          page.Page,
			})
		}
	}

	buf := make([]byte, 0, vblockHeaderSize+len(entries)*(12+int(pageSize)))
	buf = binary.LittleEndian.AppendUint64(buf, checkpointNum)
	buf = binary.LittleEndian.AppendUint64(buf, lastCheckpointKnownToRequester)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, e.pageID)
		buf = binary.LittleEndian.AppendUint64(buf, e.checkpointNum)
		buf = append(buf, e.page...)
	}
	return buf
}

func parseVBlock(bz []byte, pageSize uint32) (checkpointNum, lastKnown uint64, entries []vblockEntry, err error) {
	if len(bz) < vblockHeaderSize {
		return 0, 0, nil, errMalformedVBlock
	}
	checkpointNum = binary.LittleEndian.Uint64(bz[0:8])
	lastKnown = binary.LittleEndian.Uint64(bz[8:16])
	numPages := binary.LittleEndian.Uint32(bz[16:20])
	off := vblockHeaderSize
	entrySize := 12 + int(pageSize)
	if len(bz)-off != int(numPages)*entrySize {
		return 0, 0, nil, errMalformedVBlock
	}
	prevPageID := int64(-1)
	for i := uint32(0); i < numPages; i++ {
		pageID := binary.LittleEndian.Uint32(bz[off : off+4])
		entryCheckpoint := binary.LittleEndian.Uint64(bz[off+4 : off+12])
		page := make([]byte, pageSize)
		copy(page, bz[off+12:off+entrySize])
		if int64(pageID) <= prevPageID {
			return 0, 0, nil, errMalformedVBlock
		}
		prevPageID = int64(pageID)
		entries = append(entries, vblockEntry{pageID: pageID, checkpointNum: entryCheckpoint, page: page})
		off += entrySize
	}
	return checkpointNum, lastKnown, entries, nil
}

// descOfVBlock keys the virtual block cache. Ordering is lexicographic on
// (checkpointNum, lastCheckpointKnownToRequester).
type descOfVBlock struct {
	checkpointNum                  uint64
	lastCheckpointKnownToRequester uint64
}

func (d descOfVBlock) less(o descOfVBlock) bool {
	if d.checkpointNum != o.checkpointNum {
		return d.checkpointNum < o.checkpointNum
	}
	return d.lastCheckpointKnownToRequester < o.lastCheckpointKnownToRequester
}

// vblockCache is a bounded cache of built virtual blocks. On overflow the
// entry with the oldest checkpoint is evicted first. The cache is purged
// whenever checkpoints are pruned.
type vblockCache struct {
	max     int
	entries map[descOfVBlock][]byte
}

func newVBlockCache(max int) *vblockCache {
	return &vblockCache{max: max, entries: make(map[descOfVBlock][]byte)}
}

func (c *vblockCache) get(desc descOfVBlock) ([]byte, bool) {
	bz, ok := c.entries[desc]
	return bz, ok
}

func (c *vblockCache) put(desc descOfVBlock, vblock []byte) {
	if _, ok := c.entries[desc]; !ok && len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[desc] = vblock
}

func (c *vblockCache) evictOldest() {
	var oldest descOfVBlock
	first := true
	for d := range c.entries {
		if first || d.less(oldest) {
			oldest = d
			first = false
		}
	}
	if !first {
		delete(c.entries, oldest)
	}
}

func (c *vblockCache) purge() {
	c.entries = make(map[descOfVBlock][]byte)
}

func (c *vblockCache) len() int { return len(c.entries) }
