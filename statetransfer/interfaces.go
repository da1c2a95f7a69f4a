package statetransfer

import (
	"time"

	"github.com/bftengine/bcst/digest"
)

// AppState is the application block store the engine reads from when
// serving and writes into when collecting. Blocks form a hash chain: each
// block embeds the digest of its predecessor.
//
// Blocks written above the last reachable block are invisible to the
// application until the chain becomes contiguous.
type AppState interface {
	// GetLastReachableBlockNum returns the last block N such that all
	// blocks 1..N are present.
	GetLastReachableBlockNum() uint64

	// GetLastBlockNum returns the highest block present, reachable or not.
	GetLastBlockNum() uint64

	// HasBlock reports whether a block is present.
	HasBlock(blockNum uint64) bool

	// GetBlock returns a copy of the block's bytes.
	GetBlock(blockNum uint64) ([]byte, bool)

	// GetPrevDigestFromBlock extracts the predecessor digest embedded in a
	// stored block.
	GetPrevDigestFromBlock(blockNum uint64) (digest.Digest, bool)

	// PutBlock stores a block. Storing the same block twice is idempotent.
	PutBlock(blockNum uint64, block []byte) error
}

// Replica is the narrow surface of the host replica consumed by the
// engine: the transport and the timer.
type Replica interface {
	// SendStateTransferMessage ships an encoded protocol message to a peer.
	// Best-effort and non-blocking; the transport queues internally.
	SendStateTransferMessage(msg []byte, destReplicaID uint16)

	// ChangeStateTransferTimerPeriod adjusts the cadence of OnTimer calls.
	ChangeStateTransferTimerPeriod(period time.Duration)

	// OnTransferringComplete is invoked exactly once per completed
	// transfer, after the committing datastore transaction returns.
	OnTransferringComplete(checkpointNum uint64)
}
