package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Size is the size of a digest in bytes.
const Size = sha256.Size

// Digest is a fixed-size content digest of a block, a reserved page or a
// reserved-pages descriptor.
type Digest [Size]byte

var zeroDigest Digest

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool {
	return d == zeroDigest
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, d[:])
	return b
}

// FromBytes converts a raw byte slice into a Digest. It returns an error if
// the slice has the wrong length.
func FromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != Size {
		return d, fmt.Errorf("digest must be %d bytes, got %d", Size, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// OfBlock computes the digest of an application block. The block number is
// mixed into the digest so that a block cannot be replayed at a different
// position in the chain.
func OfBlock(blockNum uint64, block []byte) Digest {
	h := sha256.New()
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], blockNum)
	h.Write(num[:])
	h.Write(block)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// OfPage computes the digest of a reserved page as frozen at the given
// checkpoint.
func OfPage(pageID uint32, checkpointNum uint64, page []byte) Digest {
	h := sha256.New()
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], pageID)
	binary.LittleEndian.PutUint64(hdr[4:12], checkpointNum)
	h.Write(hdr[:])
	h.Write(page)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// PagesDescriptorEntry is one line of a reserved-pages descriptor: the page,
// the checkpoint its current snapshot was frozen at, and the snapshot digest.
type PagesDescriptorEntry struct {
	PageID        uint32
	CheckpointNum uint64
	PageDigest    Digest
}

// OfPagesDescriptor computes the digest pinning an ordered reserved-pages
// descriptor. Entries must be ordered by page id; the caller guarantees it.
func OfPagesDescriptor(entries []PagesDescriptorEntry) Digest {
	h := sha256.New()
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(entries)))
	h.Write(hdr[:])
	var e [12]byte
	for _, entry := range entries {
		binary.LittleEndian.PutUint32(e[0:4], entry.PageID)
		binary.LittleEndian.PutUint64(e[4:12], entry.CheckpointNum)
		h.Write(e[:])
		h.Write(entry.PageDigest[:])
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Equal reports whether two raw digest slices are equal.
func Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}
