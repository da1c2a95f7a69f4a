// Package wire defines the six state transfer protocol messages and their
// bit-exact binary encoding. All integers are little-endian and fixed
// width; variable payloads are length-prefixed. The format is part of the
// replica network protocol and must not change shape between releases.
package wire

import (
	"math"

	"github.com/bftengine/bcst/digest"
)

// MsgType identifies a protocol message on the wire.
type MsgType uint16

const (
	MsgTypeAskForCheckpointSummaries MsgType = iota + 1
	MsgTypeCheckpointSummary
	MsgTypeFetchBlocks
	MsgTypeFetchResPages
	MsgTypeRejectFetching
	MsgTypeItemData
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeAskForCheckpointSummaries:
		return "AskForCheckpointSummaries"
	case MsgTypeCheckpointSummary:
		return "CheckpointSummary"
	case MsgTypeFetchBlocks:
		return "FetchBlocks"
	case MsgTypeFetchResPages:
		return "FetchResPages"
	case MsgTypeRejectFetching:
		return "RejectFetching"
	case MsgTypeItemData:
		return "ItemData"
	default:
		return "Unknown"
	}
}

// IDOfVBlockResPages is the pseudo block number under which a virtual block
// of reserved pages is streamed as ItemData chunks.
const IDOfVBlockResPages = math.MaxUint64

// RejectReason says why a source declined a fetch request.
type RejectReason uint16

const (
	// RejectReasonInProgress: the source is itself fetching and cannot serve.
	RejectReasonInProgress RejectReason = iota + 1
	// RejectReasonCheckpointNotStored: the requested checkpoint is unknown
	// or already pruned.
	RejectReasonCheckpointNotStored
	// RejectReasonBadRequest: the request violates the source's caps or its
	// range is inconsistent.
	RejectReasonBadRequest
)

func (r RejectReason) String() string {
	switch r {
	case RejectReasonInProgress:
		return "InProgress"
	case RejectReasonCheckpointNotStored:
		return "CheckpointNotStored"
	case RejectReasonBadRequest:
		return "BadRequest"
	default:
		return "Unknown"
	}
}

// Header is shared by every protocol message. MsgSeqNum composes a
// millisecond wall clock in the upper bits with a per-millisecond counter
// in the low bits; it exists for unique ordering and duplicate suppression
// only.
type Header struct {
	SenderID  uint16
	MsgSeqNum uint64
}

// Msg is implemented by all six protocol messages.
type Msg interface {
	Type() MsgType
	GetHeader() Header
}

// AskForCheckpointSummaries is broadcast by a replica entering summary
// collection.
type AskForCheckpointSummaries struct {
	Header
	MinRelevantCheckpointNum uint64
}

// CheckpointSummary is the unicast reply to AskForCheckpointSummaries, one
// per relevant stored checkpoint.
type CheckpointSummary struct {
	Header
	CheckpointNum              uint64
	LastBlock                  uint64
	DigestOfLastBlock          digest.Digest
	DigestOfResPagesDescriptor digest.Digest
	RequestMsgSeqNum           uint64
}

// FetchBlocks asks the current source for the range
// [FirstRequiredBlock, LastRequiredBlock], resuming after
// LastKnownChunkInLastRequiredBlock if nonzero.
type FetchBlocks struct {
	Header
	FirstRequiredBlock                uint64
	LastRequiredBlock                 uint64
	LastKnownChunkInLastRequiredBlock uint16
}

// FetchResPages asks the current source for the virtual block of reserved
// pages between the requester's checkpoint and RequiredCheckpointNum.
type FetchResPages struct {
	Header
	LastCheckpointKnownToRequester    uint64
	LastKnownChunkInLastRequiredBlock uint16
	RequiredCheckpointNum             uint64
}

// RejectFetching is a source's refusal of a fetch request.
type RejectFetching struct {
	Header
	Reason           RejectReason
	RequestMsgSeqNum uint64
}

// ItemData carries one chunk of a block (or of a virtual block, under
// BlockNumber == IDOfVBlockResPages). Chunk numbers are 1-based.
type ItemData struct {
	Header
	BlockNumber                uint64
	TotalNumberOfChunksInBlock uint16
	ChunkNumber                uint16
	LastInBatch                bool
	Data                       []byte
}

func (AskForCheckpointSummaries) Type() MsgType { return MsgTypeAskForCheckpointSummaries }
func (CheckpointSummary) Type() MsgType         { return MsgTypeCheckpointSummary }
func (FetchBlocks) Type() MsgType               { return MsgTypeFetchBlocks }
func (FetchResPages) Type() MsgType             { return MsgTypeFetchResPages }
func (RejectFetching) Type() MsgType            { return MsgTypeRejectFetching }
func (ItemData) Type() MsgType                  { return MsgTypeItemData }

func (h Header) GetHeader() Header { return h }

// DataSize returns the chunk payload length.
func (m *ItemData) DataSize() uint32 { return uint32(len(m.Data)) }
