package statetransfer

import (
	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/wire"
)

// summaryTuple is the payload a checkpoint summary certificate is built
// over. Two summaries agree iff their tuples are equal.
type summaryTuple struct {
	lastBlock                  uint64
	digestOfLastBlock          digest.Digest
	digestOfResPagesDescriptor digest.Digest
}

func tupleOf(m *wire.CheckpointSummary) summaryTuple {
	return summaryTuple{
		lastBlock:                  m.LastBlock,
		digestOfLastBlock:          m.DigestOfLastBlock,
		digestOfResPagesDescriptor: m.DigestOfResPagesDescriptor,
	}
}

// summaryCert accumulates CheckpointSummary messages for one checkpoint
// number until some tuple reaches the quorum (f+1 distinct senders).
//
// Contributions are first-wins per sender: a duplicate of the same payload
// is idempotent, a conflicting payload from the same sender is dropped and
// reported.
type summaryCert struct {
	quorum   int
	bySender map[uint16]*wire.CheckpointSummary
	counts   map[summaryTuple]int
}

func newSummaryCert(quorum int) *summaryCert {
	return &summaryCert{
		quorum:   quorum,
		bySender: make(map[uint16]*wire.CheckpointSummary),
		counts:   make(map[summaryTuple]int),
	}
}

// add feeds one summary. It returns (added, conflict): conflict means the
// sender previously contributed a different payload for this checkpoint,
// an inconsistency worth counting against it.
func (c *summaryCert) add(m *wire.CheckpointSummary) (bool, bool) {
	prev, ok := c.bySender[m.SenderID]
	if ok {
		if tupleOf(prev) == tupleOf(m) {
			return false, false
		}
		return false, true
	}
	c.bySender[m.SenderID] = m
	c.counts[tupleOf(m)]++
	return true, false
}

// isComplete reports whether some tuple reached the quorum.
func (c *summaryCert) isComplete() bool {
	for _, n := range c.counts {
		if n >= c.quorum {
			return true
		}
	}
	return false
}

// bestPayload returns a summary whose tuple reached the quorum, or nil.
func (c *summaryCert) bestPayload() *wire.CheckpointSummary {
	var best summaryTuple
	found := false
	for t, n := range c.counts {
		if n >= c.quorum {
			best = t
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	for _, m := range c.bySender {
		if tupleOf(m) == best {
			return m
		}
	}
	return nil
}

// numSenders returns how many distinct senders contributed.
func (c *summaryCert) numSenders() int { return len(c.bySender) }
