package statetransfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/datastore"
	"github.com/bftengine/bcst/digest"
)

func vblockTestStore(t *testing.T, numPages, pageSize uint32) *datastore.Store {
	t.Helper()
	store := datastore.New(dbm.NewMemDB())
	store.Init(datastore.ConfigStamp{
		MaxStoredCheckpoints:  10,
		NumberOfReservedPages: numPages,
		SizeOfReservedPage:    pageSize,
	})
	return store
}

func TestBuildAndParseVBlock(t *testing.T) {
	const pageSize = 32
	store := vblockTestStore(t, 3, pageSize)

	// Page 1 updated at checkpoint 4, page 2 at checkpoint 2; page 0 stays
	// at the zero snapshot.
	page1 := make([]byte, pageSize)
	page1[0] = 0x11
	page2 := make([]byte, pageSize)
	page2[0] = 0x22
	txn := store.NewTxn()
	txn.SetResPage(1, 4, digest.OfPage(1, 4, page1), page1)
	txn.SetResPage(2, 2, digest.OfPage(2, 2, page2), page2)
	txn.Commit()

	bz := buildVBlock(store, 5, 0, 3, pageSize)
	checkpointNum, lastKnown, entries, err := parseVBlock(bz, pageSize)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), checkpointNum)
	assert.Equal(t, uint64(0), lastKnown)
	require.Len(t, entries, 2, "zero snapshots at checkpoint 0 are already known to the requester")
	assert.Equal(t, uint32(1), entries[0].pageID)
	assert.Equal(t, uint64(4), entries[0].checkpointNum)
	assert.Equal(t, page1, entries[0].page)
	assert.Equal(t, uint32(2), entries[1].pageID)

	// A requester already at checkpoint 3 only needs page 1.
	bz = buildVBlock(store, 5, 3, 3, pageSize)
	_, _, entries, err = parseVBlock(bz, pageSize)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].pageID)
}

func TestParseVBlockMalformed(t *testing.T) {
	const pageSize = 32
	store := vblockTestStore(t, 1, pageSize)
	page := make([]byte, pageSize)
	txn := store.NewTxn()
	txn.SetResPage(0, 1, digest.OfPage(0, 1, page), page)
	txn.Commit()
	valid := buildVBlock(store, 1, 0, 1, pageSize)

	testcases := map[string][]byte{
		"too short":     valid[:vblockHeaderSize-1],
		"truncated":     valid[:len(valid)-1],
		"trailing junk": append(append([]byte{}, valid...), 0x00),
	}
	for name, bz := range testcases {
		bz := bz
		t.Run(name, func(t *testing.T) {
			_, _, _, err := parseVBlock(bz, pageSize)
			assert.Error(t, err)
		})
	}
}

func TestVBlockCacheBoundAndEvictionOrder(t *testing.T) {
	c := newVBlockCache(3)
	c.put(descOfVBlock{checkpointNum: 5, lastCheckpointKnownToRequester: 0}, []byte("five"))
	c.put(descOfVBlock{checkpointNum: 3, lastCheckpointKnownToRequester: 0}, []byte("three"))
	c.put(descOfVBlock{checkpointNum: 4, lastCheckpointKnownToRequester: 0}, []byte("four"))
	require.Equal(t, 3, c.len())

	// Overflow evicts the oldest checkpoint first.
	c.put(descOfVBlock{checkpointNum: 6, lastCheckpointKnownToRequester: 0}, []byte("six"))
	assert.Equal(t, 3, c.len())
	_, ok := c.get(descOfVBlock{checkpointNum: 3, lastCheckpointKnownToRequester: 0})
	assert.False(t, ok)
	_, ok = c.get(descOfVBlock{checkpointNum: 4, lastCheckpointKnownToRequester: 0})
	assert.True(t, ok)

	// A second key for checkpoint 4 evicts the smallest stored key, (4, 0).
	c.put(descOfVBlock{checkpointNum: 4, lastCheckpointKnownToRequester: 2}, []byte("four-two"))
	assert.Equal(t, 3, c.len())
	_, ok = c.get(descOfVBlock{checkpointNum: 4, lastCheckpointKnownToRequester: 0})
	assert.False(t, ok, "lexicographically smallest key is evicted")

	// Replacing an existing entry does not evict.
	c.put(descOfVBlock{checkpointNum: 6, lastCheckpointKnownToRequester: 0}, []byte("six again"))
	assert.Equal(t, 3, c.len())

	c.purge()
	assert.Zero(t, c.len())
}
