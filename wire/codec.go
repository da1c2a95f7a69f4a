package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bftengine/bcst/digest"
)

// HeaderSize is the length of the framing header: u16 type, u16 sender,
// u64 msgSeqNum.
const HeaderSize = 2 + 2 + 8

// ItemDataOverhead is the encoded size of an ItemData message with an
// empty payload.
const ItemDataOverhead = HeaderSize + 8 + 2 + 2 + 1 + 4

var (
	// ErrMsgTooShort is returned when a buffer cannot hold even the header.
	ErrMsgTooShort = errors.New("message too short")
	// ErrUnknownMsgType is returned for a type tag outside the protocol.
	ErrUnknownMsgType = errors.New("unknown message type")
	// ErrTrailingBytes is returned when a message decodes with bytes left
	// over.
	ErrTrailingBytes = errors.New("trailing bytes after message")
)

type writer struct{ buf []byte }

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *writer) digest(d digest.Digest) { w.buf = append(w.buf, d[:]...) }

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = ErrMsgTooShort
		return false
	}
	return true
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes() []byte {
	n := r.u32()
	if r.err != nil || !r.need(int(n)) {
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b
}

func (r *reader) digest() digest.Digest {
	var d digest.Digest
	if !r.need(digest.Size) {
		return d
	}
	copy(d[:], r.buf[r.off:])
	r.off += digest.Size
	return d
}

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}

// Encode serializes a protocol message to its wire form.
func Encode(m Msg) []byte {
	h := m.GetHeader()
	w := &writer{buf: make([]byte, 0, HeaderSize+64)}
	w.u16(uint16(m.Type()))
	w.u16(h.SenderID)
	w.u64(h.MsgSeqNum)

	switch msg := m.(type) {
	case *AskForCheckpointSummaries:
		w.u64(msg.MinRelevantCheckpointNum)
	case *CheckpointSummary:
		w.u64(msg.CheckpointNum)
		w.u64(msg.LastBlock)
		w.digest(msg.DigestOfLastBlock)
		w.digest(msg.DigestOfResPagesDescriptor)
		w.u64(msg.RequestMsgSeqNum)
	case *FetchBlocks:
		w.u64(msg.FirstRequiredBlock)
		w.u64(msg.LastRequiredBlock)
		w.u16(msg.LastKnownChunkInLastRequiredBlock)
	case *FetchResPages:
		w.u64(msg.LastCheckpointKnownToRequester)
		w.u16(msg.LastKnownChunkInLastRequiredBlock)
		w.u64(msg.RequiredCheckpointNum)
	case *RejectFetching:
		w.u16(uint16(msg.Reason))
		w.u64(msg.RequestMsgSeqNum)
	case *ItemData:
		w.u64(msg.BlockNumber)
		w.u16(msg.TotalNumberOfChunksInBlock)
		w.u16(msg.ChunkNumber)
		if msg.LastInBatch {
			w.u8(1)
		} else {
			w.u8(0)
		}
		w.bytes(msg.Data)
	default:
		panic(fmt.Sprintf("wire: cannot encode %T", m))
	}
	return w.buf
}

// Decode parses a wire-form message. The whole buffer must be consumed;
// trailing bytes are an error.
func Decode(bz []byte) (Msg, error) {
	r := &reader{buf: bz}
	if !r.need(HeaderSize) {
		return nil, ErrMsgTooShort
	}
	t := MsgType(r.u16())
	h := Header{SenderID: r.u16(), MsgSeqNum: r.u64()}

	var m Msg
	switch t {
	case MsgTypeAskForCheckpointSummaries:
		m = &AskForCheckpointSummaries{Header: h, MinRelevantCheckpointNum: r.u64()}
	case MsgTypeCheckpointSummary:
		m = &CheckpointSummary{
			Header:                     h,
			CheckpointNum:              r.u64(),
			LastBlock:                  r.u64(),
			DigestOfLastBlock:          r.digest(),
			DigestOfResPagesDescriptor: r.digest(),
			RequestMsgSeqNum:           r.u64(),
		}
	case MsgTypeFetchBlocks:
		m = &FetchBlocks{
			Header:                            h,
			FirstRequiredBlock:                r.u64(),
			LastRequiredBlock:                 r.u64(),
			LastKnownChunkInLastRequiredBlock: r.u16(),
		}
	case MsgTypeFetchResPages:
		m = &FetchResPages{
			Header:                            h,
			LastCheckpointKnownToRequester:    r.u64(),
			LastKnownChunkInLastRequiredBlock: r.u16(),
			RequiredCheckpointNum:             r.u64(),
		}
	case MsgTypeRejectFetching:
		m = &RejectFetching{
			Header:           h,
			Reason:           RejectReason(r.u16()),
			RequestMsgSeqNum: r.u64(),
		}
	case MsgTypeItemData:
		msg := &ItemData{
			Header:                     h,
			BlockNumber:                r.u64(),
			TotalNumberOfChunksInBlock: r.u16(),
			ChunkNumber:                r.u16(),
		}
		msg.LastInBatch = r.u8() == 1
		msg.Data = r.bytes()
		m = msg
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMsgType, t)
	}
	if err := r.done(); err != nil {
		return nil, err
	}
	return m, nil
}
