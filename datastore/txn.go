package datastore

import (
	"encoding/binary"

	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/digest"
)

// Txn batches a multi-key mutation and commits it atomically with a
// synced write. Reads stay on the Store; every Txn method is a write.
type Txn struct {
	store *Store
	batch dbm.Batch
}

// NewTxn opens a write transaction.
func (s *Store) NewTxn() *Txn {
	return &Txn{store: s, batch: s.db.NewBatch()}
}

func (t *Txn) set(key, value []byte) {
	if err := t.batch.Set(key, value); err != nil {
		panic(err)
	}
}

func (t *Txn) delete(key []byte) {
	if err := t.batch.Delete(key); err != nil {
		panic(err)
	}
}

// SetCheckpointDesc stores a checkpoint descriptor.
func (t *Txn) SetCheckpointDesc(desc CheckpointDesc) {
	t.set(checkpointDescKey(desc.CheckpointNum), encodeCheckpointDesc(desc))
}

// DeleteCheckpointDesc removes a checkpoint descriptor.
func (t *Txn) DeleteCheckpointDesc(checkpointNum uint64) {
	t.delete(checkpointDescKey(checkpointNum))
}

// SetIsFetching persists the fetching flag.
func (t *Txn) SetIsFetching(fetching bool) {
	v := []byte{0}
	if fetching {
		v[0] = 1
	}
	t.set(metadataKey(mdIsFetching), v)
}

// SetFirstRequiredBlock persists the lower fetch cursor.
func (t *Txn) SetFirstRequiredBlock(blockNum uint64) {
	t.setUint64(metadataKey(mdFirstRequiredBlock), blockNum)
}

// SetLastRequiredBlock persists the upper fetch cursor.
func (t *Txn) SetLastRequiredBlock(blockNum uint64) {
	t.setUint64(metadataKey(mdLastRequiredBlock), blockNum)
}

// SetCheckpointBeingFetched stores the descriptor of the certified target
// checkpoint.
func (t *Txn) SetCheckpointBeingFetched(desc CheckpointDesc) {
	t.set(fetchedDescKey(), encodeCheckpointDesc(desc))
}

// DeleteCheckpointBeingFetched clears the target descriptor.
func (t *Txn) DeleteCheckpointBeingFetched() {
	t.delete(fetchedDescKey())
}

// SetPendingResPage writes a page into the pending view.
func (t *Txn) SetPendingResPage(pageID uint32, page []byte) {
	t.set(pendingPageKey(pageID), page)
}

// DeletePendingResPage drops one page from the pending view.
func (t *Txn) DeletePendingResPage(pageID uint32) {
	t.delete(pendingPageKey(pageID))
}

// DeleteAllPendingResPages clears the pending view.
func (t *Txn) DeleteAllPendingResPages() {
	for _, pageID := range t.store.PendingPageIDs() {
		t.DeletePendingResPage(pageID)
	}
}

// SetResPage stores a page snapshot frozen at a checkpoint.
func (t *Txn) SetResPage(pageID uint32, checkpointNum uint64, d digest.Digest, page []byte) {
	t.set(resPageKey(pageID, checkpointNum), encodeResPage(d, page))
}

// DeleteResPage removes one page snapshot.
func (t *Txn) DeleteResPage(pageID uint32, checkpointNum uint64) {
	t.delete(resPageKey(pageID, checkpointNum))
}

// PruneResPagesBelow deletes, for every page, the snapshots made obsolete
// by the retention horizon: anything older than the newest snapshot at or
// below minRetainedCheckpoint. The newest one stays, because it is still
// the relevant snapshot for all retained checkpoints.
func (t *Txn) PruneResPagesBelow(minRetainedCheckpoint uint64, numPages uint32) {
	for pageID := uint32(0); pageID < numPages; pageID++ {
		newest, ok := t.store.GetResPage(pageID, minRetainedCheckpoint)
		if !ok {
			continue
		}
		for _, n := range t.store.SnapshotsOfPage(pageID) {
			if n < newest.CheckpointNum {
				t.DeleteResPage(pageID, n)
			}
		}
	}
}

func (t *Txn) setUint64(key []byte, v uint64) {
	var bz [8]byte
	binary.LittleEndian.PutUint64(bz[:], v)
	t.set(key, bz[:])
}

// Commit writes the batch with fsync and closes it.
func (t *Txn) Commit() {
	if err := t.batch.WriteSync(); err != nil {
		panic(err)
	}
	if err := t.batch.Close(); err != nil {
		panic(err)
	}
}

// Discard abandons the transaction.
func (t *Txn) Discard() {
	if err := t.batch.Close(); err != nil {
		panic(err)
	}
}
