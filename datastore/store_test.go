package datastore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/digest"
)

func testStore(t *testing.T, numPages, pageSize uint32) *Store {
	t.Helper()
	store := New(dbm.NewMemDB())
	store.Init(ConfigStamp{
		MyReplicaID:           0,
		FVal:                  1,
		MaxStoredCheckpoints:  10,
		NumberOfReservedPages: numPages,
		SizeOfReservedPage:    pageSize,
	})
	return store
}

func TestInitSeedsZeroSnapshots(t *testing.T) {
	store := testStore(t, 4, 64)
	require.True(t, store.Initialized())

	for pageID := uint32(0); pageID < 4; pageID++ {
		page, ok := store.GetResPage(pageID, 0)
		require.True(t, ok)
		assert.Equal(t, uint64(0), page.CheckpointNum)
		assert.Equal(t, make([]byte, 64), page.Page)
		assert.Equal(t, digest.OfPage(pageID, 0, make([]byte, 64)), page.PageDigest)
	}
	// Out-of-range page has no snapshot.
	_, ok := store.GetResPage(4, 0)
	assert.False(t, ok)
}

func TestConfigStampRoundTrip(t *testing.T) {
	store := testStore(t, 2, 32)
	stamp, ok := store.GetConfigStamp()
	require.True(t, ok)
	assert.Equal(t, uint32(2), stamp.NumberOfReservedPages)
	assert.Equal(t, uint32(32), stamp.SizeOfReservedPage)
	assert.Equal(t, uint64(10), stamp.MaxStoredCheckpoints)
}

func TestCheckpointDescs(t *testing.T) {
	store := testStore(t, 2, 32)

	_, ok := store.FirstStoredCheckpoint()
	assert.False(t, ok)

	for n := uint64(3); n <= 7; n++ {
		txn := store.NewTxn()
		txn.SetCheckpointDesc(CheckpointDesc{
			CheckpointNum:     n,
			LastBlock:         n * 10,
			DigestOfLastBlock: digest.OfBlock(n*10, []byte("block")),
		})
		txn.Commit()
	}

	first, ok := store.FirstStoredCheckpoint()
	require.True(t, ok)
	assert.Equal(t, uint64(3), first)
	last, ok := store.LastStoredCheckpoint()
	require.True(t, ok)
	assert.Equal(t, uint64(7), last)
	assert.Equal(t, uint64(5), store.NumStoredCheckpoints())

	desc, ok := store.GetCheckpointDesc(5)
	require.True(t, ok)
	assert.Equal(t, uint64(50), desc.LastBlock)

	txn := store.NewTxn()
	txn.DeleteCheckpointDesc(3)
	txn.Commit()
	first, _ = store.FirstStoredCheckpoint()
	assert.Equal(t, uint64(4), first)
}

func TestResPageNewestAtOrBelow(t *testing.T) {
	store := testStore(t, 1, 32)
	page3 := []byte("frozen at three")
	page5 := []byte("frozen at five")

	txn := store.NewTxn()
	txn.SetResPage(0, 3, digest.OfPage(0, 3, page3), page3)
	txn.SetResPage(0, 5, digest.OfPage(0, 5, page5), page5)
	txn.Commit()

	got, ok := store.GetResPage(0, 2)
	require.True(t, ok)
	assert.Equal(t, uint64(0), got.CheckpointNum, "only the zero snapshot is at or below 2")

	got, ok = store.GetResPage(0, 4)
	require.True(t, ok)
	assert.Equal(t, uint64(3), got.CheckpointNum)
	assert.Equal(t, page3, got.Page)

	got, ok = store.GetResPage(0, 9)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.CheckpointNum)
	assert.Equal(t, page5, got.Page)

	assert.Equal(t, []uint64{0, 3, 5}, store.SnapshotsOfPage(0))
}

func TestPendingPages(t *testing.T) {
	store := testStore(t, 3, 16)

	_, ok := store.GetPendingResPage(1)
	assert.False(t, ok)

	txn := store.NewTxn()
	txn.SetPendingResPage(1, []byte("pending-one"))
	txn.SetPendingResPage(2, []byte("pending-two"))
	txn.Commit()

	page, ok := store.GetPendingResPage(1)
	require.True(t, ok)
	assert.Equal(t, []byte("pending-one"), page)
	assert.Equal(t, []uint32{1, 2}, store.PendingPageIDs())

	txn = store.NewTxn()
	txn.DeleteAllPendingResPages()
	txn.Commit()
	assert.Empty(t, store.PendingPageIDs())
}

func TestPruneResPagesBelow(t *testing.T) {
	store := testStore(t, 1, 16)
	for _, n := range []uint64{2, 4, 6} {
		page := []byte{byte(n)}
		txn := store.NewTxn()
		txn.SetResPage(0, n, digest.OfPage(0, n, page), page)
		txn.Commit()
	}

	// Retention horizon 5: the newest snapshot at or below 5 (checkpoint 4)
	// must survive, everything older goes.
	txn := store.NewTxn()
	txn.PruneResPagesBelow(5, 1)
	txn.Commit()
	assert.Equal(t, []uint64{4, 6}, store.SnapshotsOfPage(0))
}

func TestFetchingStateAndCursors(t *testing.T) {
	store := testStore(t, 1, 16)
	assert.False(t, store.IsFetching())
	assert.Zero(t, store.FirstRequiredBlock())

	txn := store.NewTxn()
	txn.SetIsFetching(true)
	txn.SetFirstRequiredBlock(11)
	txn.SetLastRequiredBlock(100)
	txn.SetCheckpointBeingFetched(CheckpointDesc{CheckpointNum: 5, LastBlock: 100})
	txn.Commit()

	assert.True(t, store.IsFetching())
	assert.Equal(t, uint64(11), store.FirstRequiredBlock())
	assert.Equal(t, uint64(100), store.LastRequiredBlock())
	desc, ok := store.CheckpointBeingFetched()
	require.True(t, ok)
	assert.Equal(t, uint64(5), desc.CheckpointNum)

	txn = store.NewTxn()
	txn.SetIsFetching(false)
	txn.DeleteCheckpointBeingFetched()
	txn.Commit()
	assert.False(t, store.IsFetching())
	_, ok = store.CheckpointBeingFetched()
	assert.False(t, ok)
}

func TestTxnDiscard(t *testing.T) {
	store := testStore(t, 1, 16)
	txn := store.NewTxn()
	txn.SetFirstRequiredBlock(42)
	txn.Discard()
	assert.Zero(t, store.FirstRequiredBlock())
}

func TestMsgSeqNums(t *testing.T) {
	store := testStore(t, 1, 16)
	_, ok := store.LastMsgSeqNum(2)
	assert.False(t, ok)
	store.SetLastMsgSeqNum(2, 77)
	seq, ok := store.LastMsgSeqNum(2)
	require.True(t, ok)
	assert.Equal(t, uint64(77), seq)
}

func TestPagesDescriptor(t *testing.T) {
	store := testStore(t, 2, 16)
	page := []byte("updated")
	txn := store.NewTxn()
	txn.SetResPage(1, 4, digest.OfPage(1, 4, page), page)
	txn.Commit()

	entries := store.PagesDescriptor(5, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(0), entries[0].CheckpointNum)
	assert.Equal(t, uint64(4), entries[1].CheckpointNum)
	assert.Equal(t, uint32(0), entries[0].PageID)
	assert.Equal(t, uint32(1), entries[1].PageID)
}
