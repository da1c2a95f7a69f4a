// Package datastore is the persistent journal of the state transfer
// subsystem: checkpoint descriptors, reserved pages (the mutable pending
// view and the per-checkpoint snapshots), the fetching flag and cursors,
// and per-sender message sequence numbers.
//
// All multi-key mutations go through a Txn so that a crash can never leave
// the journal between states. Read methods panic when they encounter
// undecodable data, indicating probable corruption on disk.
package datastore

import (
	"encoding/binary"
	"fmt"

	"github.com/bftengine/bcst/digest"
)

// CheckpointDesc describes a stored checkpoint: the block chain prefix it
// covers and the reserved-page state frozen with it.
type CheckpointDesc struct {
	CheckpointNum              uint64
	LastBlock                  uint64
	DigestOfLastBlock          digest.Digest
	DigestOfResPagesDescriptor digest.Digest
}

const checkpointDescSize = 8 + 8 + digest.Size + digest.Size

func encodeCheckpointDesc(desc CheckpointDesc) []byte {
	bz := make([]byte, checkpointDescSize)
	binary.LittleEndian.PutUint64(bz[0:8], desc.CheckpointNum)
	binary.LittleEndian.PutUint64(bz[8:16], desc.LastBlock)
	copy(bz[16:16+digest.Size], desc.DigestOfLastBlock[:])
	copy(bz[16+digest.Size:], desc.DigestOfResPagesDescriptor[:])
	return bz
}

func decodeCheckpointDesc(bz []byte) (CheckpointDesc, error) {
	var desc CheckpointDesc
	if len(bz) != checkpointDescSize {
		return desc, fmt.Errorf("checkpoint descriptor must be %d bytes, got %d", checkpointDescSize, len(bz))
	}
	desc.CheckpointNum = binary.LittleEndian.Uint64(bz[0:8])
	desc.LastBlock = binary.LittleEndian.Uint64(bz[8:16])
	copy(desc.DigestOfLastBlock[:], bz[16:16+digest.Size])
	copy(desc.DigestOfResPagesDescriptor[:], bz[16+digest.Size:])
	return desc, nil
}

// ResPage is a reserved-page snapshot record: the page bytes as frozen at
// CheckpointNum, plus their digest so descriptor recomputation does not
// re-hash unchanged pages.
type ResPage struct {
	PageID        uint32
	CheckpointNum uint64
	PageDigest    digest.Digest
	Page          []byte
}

func encodeResPage(d digest.Digest, page []byte) []byte {
	bz := make([]byte, digest.Size+len(page))
	copy(bz, d[:])
	copy(bz[digest.Size:], page)
	return bz
}

func decodeResPage(bz []byte) (digest.Digest, []byte, error) {
	var d digest.Digest
	if len(bz) < digest.Size {
		return d, nil, fmt.Errorf("reserved page record too short: %d bytes", len(bz))
	}
	copy(d[:], bz[:digest.Size])
	page := make([]byte, len(bz)-digest.Size)
	copy(page, bz[digest.Size:])
	return d, page, nil
}

// ConfigStamp pins the datastore to the configuration it was initialized
// under. A mismatch on reopen is fatal.
type ConfigStamp struct {
	MyReplicaID           uint16
	FVal                  uint16
	MaxStoredCheckpoints  uint64
	NumberOfReservedPages uint32
	SizeOfReservedPage    uint32
}

const configStampSize = 2 + 2 + 8 + 4 + 4

func encodeConfigStamp(s ConfigStamp) []byte {
	bz := make([]byte, configStampSize)
	binary.LittleEndian.PutUint16(bz[0:2], s.MyReplicaID)
	binary.LittleEndian.PutUint16(bz[2:4], s.FVal)
	binary.LittleEndian.PutUint64(bz[4:12], s.MaxStoredCheckpoints)
	binary.LittleEndian.PutUint32(bz[12:16], s.NumberOfReservedPages)
	binary.LittleEndian.PutUint32(bz[16:20], s.SizeOfReservedPage)
	return bz
}

func decodeConfigStamp(bz []byte) (ConfigStamp, error) {
	var s ConfigStamp
	if len(bz) != configStampSize {
		return s, fmt.Errorf("config stamp must be %d bytes, got %d", configStampSize, len(bz))
	}
	s.MyReplicaID = binary.LittleEndian.Uint16(bz[0:2])
	s.FVal = binary.LittleEndian.Uint16(bz[2:4])
	s.MaxStoredCheckpoints = binary.LittleEndian.Uint64(bz[4:12])
	s.NumberOfReservedPages = binary.LittleEndian.Uint32(bz[12:16])
	s.SizeOfReservedPage = binary.LittleEndian.Uint32(bz[16:20])
	return s, nil
}
