package datastore

import (
	"encoding/binary"
	"fmt"
	"math"

	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/digest"
)

// Store is the tm-db backed datastore. Methods panic on backend I/O
// errors and on undecodable records; the caller treats both as fatal.
//
// The first and last stored checkpoints are derived by iterating the
// descriptor keyspace, never stored redundantly.
type Store struct {
	db dbm.DB
}

// New returns a Store over the given database. The database is owned by
// the caller.
func New(db dbm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying database, for diagnostics tooling.
func (s *Store) DB() dbm.DB { return s.db }

func (s *Store) get(key []byte) []byte {
	bz, err := s.db.Get(key)
	if err != nil {
		panic(err)
	}
	return bz
}

// Initialized reports whether Init has run against this database.
func (s *Store) Initialized() bool {
	return s.get(metadataKey(mdConfigStamp)) != nil
}

// GetConfigStamp returns the configuration the datastore was initialized
// under.
func (s *Store) GetConfigStamp() (ConfigStamp, bool) {
	bz := s.get(metadataKey(mdConfigStamp))
	if bz == nil {
		return ConfigStamp{}, false
	}
	stamp, err := decodeConfigStamp(bz)
	if err != nil {
		panic(err)
	}
	return stamp, true
}

// Init sizes the datastore: it writes the config stamp and seeds every
// reserved page with a zero snapshot at checkpoint 0, so reserved-page
// reads and descriptor computation are total from the start.
func (s *Store) Init(stamp ConfigStamp) {
	txn := s.NewTxn()
	txn.set(metadataKey(mdConfigStamp), encodeConfigStamp(stamp))
	zeroPage := make([]byte, stamp.SizeOfReservedPage)
	for pageID := uint32(0); pageID < stamp.NumberOfReservedPages; pageID++ {
		d := digest.OfPage(pageID, 0, zeroPage)
		txn.SetResPage(pageID, 0, d, zeroPage)
	}
	txn.Commit()
}

// FirstStoredCheckpoint returns the lowest stored checkpoint number, or
// (0, false) when no checkpoint is stored.
func (s *Store) FirstStoredCheckpoint() (uint64, bool) {
	iter, err := s.db.Iterator(checkpointDescKey(0), checkpointDescKey(math.MaxInt64))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	if iter.Valid() {
		n, err := decodeCheckpointDescKey(iter.Key())
		if err != nil {
			panic(err)
		}
		return n, true
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return 0, false
}

// LastStoredCheckpoint returns the highest stored checkpoint number, or
// (0, false) when no checkpoint is stored.
func (s *Store) LastStoredCheckpoint() (uint64, bool) {
	iter, err := s.db.ReverseIterator(checkpointDescKey(0), checkpointDescKey(math.MaxInt64))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	if iter.Valid() {
		n, err := decodeCheckpointDescKey(iter.Key())
		if err != nil {
			panic(err)
		}
		return n, true
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return 0, false
}

// NumStoredCheckpoints counts the stored checkpoint descriptors.
func (s *Store) NumStoredCheckpoints() uint64 {
	iter, err := s.db.Iterator(checkpointDescKey(0), checkpointDescKey(math.MaxInt64))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	var n uint64
	for ; iter.Valid(); iter.Next() {
		n++
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return n
}

// GetCheckpointDesc loads the descriptor of a stored checkpoint.
func (s *Store) GetCheckpointDesc(checkpointNum uint64) (CheckpointDesc, bool) {
	bz := s.get(checkpointDescKey(checkpointNum))
	if bz == nil {
		return CheckpointDesc{}, false
	}
	desc, err := decodeCheckpointDesc(bz)
	if err != nil {
		panic(err)
	}
	if desc.CheckpointNum != checkpointNum {
		panic(fmt.Sprintf("checkpoint descriptor %d stored under key %d", desc.CheckpointNum, checkpointNum))
	}
	return desc, true
}

// IsFetching reports the persisted fetching flag.
func (s *Store) IsFetching() bool {
	bz := s.get(metadataKey(mdIsFetching))
	return len(bz) == 1 && bz[0] == 1
}

// FirstRequiredBlock returns the persisted lower fetch cursor (0 if unset).
func (s *Store) FirstRequiredBlock() uint64 {
	return s.getUint64(metadataKey(mdFirstRequiredBlock))
}

// LastRequiredBlock returns the persisted upper fetch cursor (0 if unset).
func (s *Store) LastRequiredBlock() uint64 {
	return s.getUint64(metadataKey(mdLastRequiredBlock))
}

// CheckpointBeingFetched returns the descriptor of the checkpoint the
// replica is currently collecting, if any.
func (s *Store) CheckpointBeingFetched() (CheckpointDesc, bool) {
	bz := s.get(fetchedDescKey())
	if bz == nil {
		return CheckpointDesc{}, false
	}
	desc, err := decodeCheckpointDesc(bz)
	if err != nil {
		panic(err)
	}
	return desc, true
}

// GetPendingResPage returns the pending (post-checkpoint) view of a page.
func (s *Store) GetPendingResPage(pageID uint32) ([]byte, bool) {
	bz := s.get(pendingPageKey(pageID))
	if bz == nil {
		return nil, false
	}
	return bz, true
}

// PendingPageIDs returns the ids of all pages with pending writes, in
// ascending order.
func (s *Store) PendingPageIDs() []uint32 {
	iter, err := s.db.Iterator(pendingPageKey(0), pendingPageKey(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	var ids []uint32
	for ; iter.Valid(); iter.Next() {
		pageID, err := decodePendingPageKey(iter.Key())
		if err != nil {
			panic(err)
		}
		ids = append(ids, pageID)
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return ids
}

// GetResPage returns the newest snapshot of pageID frozen at or below
// maxCheckpoint.
func (s *Store) GetResPage(pageID uint32, maxCheckpoint uint64) (ResPage, bool) {
	if maxCheckpoint == math.MaxInt64 {
		maxCheckpoint = math.MaxInt64 - 1
	}
	iter, err := s.db.ReverseIterator(resPageKey(pageID, 0), resPageKey(pageID, maxCheckpoint+1))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	if !iter.Valid() {
		if err := iter.Error(); err != nil {
			panic(err)
		}
		return ResPage{}, false
	}
	_, checkpointNum, err := decodeResPageKey(iter.Key())
	if err != nil {
		panic(err)
	}
	d, page, err := decodeResPage(iter.Value())
	if err != nil {
		panic(err)
	}
	return ResPage{PageID: pageID, CheckpointNum: checkpointNum, PageDigest: d, Page: page}, true
}

// SnapshotsOfPage returns the checkpoint numbers of all stored snapshots
// of a page, ascending.
func (s *Store) SnapshotsOfPage(pageID uint32) []uint64 {
	iter, err := s.db.Iterator(resPageKey(pageID, 0), resPageKey(pageID, math.MaxInt64))
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	var checkpoints []uint64
	for ; iter.Valid(); iter.Next() {
		_, n, err := decodeResPageKey(iter.Key())
		if err != nil {
			panic(err)
		}
		checkpoints = append(checkpoints, n)
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return checkpoints
}

// PagesDescriptor computes the ordered reserved-pages descriptor for a
// checkpoint: one entry per page, using the newest snapshot at or below
// the checkpoint.
func (s *Store) PagesDescriptor(checkpointNum uint64, numPages uint32) []digest.PagesDescriptorEntry {
	entries := make([]digest.PagesDescriptorEntry, 0, numPages)
	for pageID := uint32(0); pageID < numPages; pageID++ {
		page, ok := s.GetResPage(pageID, checkpointNum)
		if !ok {
			panic(fmt.Sprintf("reserved page %d has no snapshot at or below checkpoint %d", pageID, checkpointNum))
		}
		entries = append(entries, digest.PagesDescriptorEntry{
			PageID:        pageID,
			CheckpointNum: page.CheckpointNum,
			PageDigest:    page.PageDigest,
		})
	}
	return entries
}

// LastMsgSeqNum returns the last accepted message sequence number of a
// sender.
func (s *Store) LastMsgSeqNum(replicaID uint16) (uint64, bool) {
	bz := s.get(msgSeqNumKey(replicaID))
	if bz == nil {
		return 0, false
	}
	if len(bz) != 8 {
		panic(fmt.Sprintf("msg seq num record must be 8 bytes, got %d", len(bz)))
	}
	return binary.LittleEndian.Uint64(bz), true
}

// SetLastMsgSeqNum records the last accepted sequence number of a sender.
// Written directly: losing it on crash only widens duplicate acceptance
// within the resync window.
func (s *Store) SetLastMsgSeqNum(replicaID uint16, seqNum uint64) {
	var bz [8]byte
	binary.LittleEndian.PutUint64(bz[:], seqNum)
	if err := s.db.Set(msgSeqNumKey(replicaID), bz[:]); err != nil {
		panic(err)
	}
}

func (s *Store) getUint64(key []byte) uint64 {
	bz := s.get(key)
	if bz == nil {
		return 0
	}
	if len(bz) != 8 {
		panic(fmt.Sprintf("uint64 record must be 8 bytes, got %d", len(bz)))
	}
	return binary.LittleEndian.Uint64(bz)
}
