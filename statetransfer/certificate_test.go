package statetransfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/wire"
)

func summaryFrom(sender uint16, lastBlock uint64, seed byte) *wire.CheckpointSummary {
	return &wire.CheckpointSummary{
		Header:                     wire.Header{SenderID: sender, MsgSeqNum: 1},
		CheckpointNum:              5,
		LastBlock:                  lastBlock,
		DigestOfLastBlock:          digest.OfBlock(lastBlock, []byte{seed}),
		DigestOfResPagesDescriptor: digest.OfBlock(lastBlock, []byte{seed, seed}),
		RequestMsgSeqNum:           9,
	}
}

func TestCertCompletesAtQuorum(t *testing.T) {
	cert := newSummaryCert(2) // f=1

	added, conflict := cert.add(summaryFrom(1, 100, 0xaa))
	assert.True(t, added)
	assert.False(t, conflict)
	assert.False(t, cert.isComplete(), "one sender is not a certificate")

	added, _ = cert.add(summaryFrom(2, 100, 0xaa))
	assert.True(t, added)
	require.True(t, cert.isComplete())

	best := cert.bestPayload()
	require.NotNil(t, best)
	assert.Equal(t, uint64(100), best.LastBlock)
}

func TestCertRequiresIdenticalPayloads(t *testing.T) {
	cert := newSummaryCert(2)
	cert.add(summaryFrom(1, 100, 0xaa))
	cert.add(summaryFrom(2, 100, 0xbb)) // same lastBlock, different digests
	assert.False(t, cert.isComplete())
	assert.Nil(t, cert.bestPayload())
	assert.Equal(t, 2, cert.numSenders())
}

func TestCertDuplicateSenderIsIdempotent(t *testing.T) {
	cert := newSummaryCert(2)
	cert.add(summaryFrom(1, 100, 0xaa))
	added, conflict := cert.add(summaryFrom(1, 100, 0xaa))
	assert.False(t, added)
	assert.False(t, conflict)
	assert.False(t, cert.isComplete())
}

func TestCertConflictingSenderFirstWins(t *testing.T) {
	cert := newSummaryCert(2)
	cert.add(summaryFrom(1, 100, 0xaa))
	added, conflict := cert.add(summaryFrom(1, 200, 0xcc))
	assert.False(t, added)
	assert.True(t, conflict)

	// The first contribution still counts toward the original tuple.
	cert.add(summaryFrom(2, 100, 0xaa))
	require.True(t, cert.isComplete())
	assert.Equal(t, uint64(100), cert.bestPayload().LastBlock)
}
