package statetransfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/wire"
)

const (
	testChainLen   = 100
	testCheckpoint = 5
)

// TestColdFetchNoFaults: a fresh replica with an empty chain pulls
// checkpoint 5 (blocks 1..100 plus reserved pages) from three honest
// sources and lands exactly on their state.
func TestColdFetchNoFaults(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(testChainLen)
	sources := []*testEngine{
		newSourceEngine(t, 1, net, chain, testCheckpoint),
		newSourceEngine(t, 2, net, chain, testCheckpoint),
		newSourceEngine(t, 3, net, chain, testCheckpoint),
	}

	requester := newTestEngine(t, 0, net)
	var callbackCheckpoints []uint64
	requester.engine.AddOnTransferringCompleteCallback(func(n uint64) {
		callbackCheckpoints = append(callbackCheckpoints, n)
	})
	requester.start(t)

	require.NoError(t, requester.engine.StartCollectingState())
	require.Error(t, requester.engine.StartCollectingState(), "already collecting")
	net.pump(t, 100000)

	// Final state matches the certified checkpoint.
	assert.Equal(t, NotFetching, requester.engine.GetFetchingState())
	last, ok := requester.store.LastStoredCheckpoint()
	require.True(t, ok)
	assert.Equal(t, uint64(testCheckpoint), last)
	assert.Equal(t, []uint64{testCheckpoint}, requester.replica.completed())
	assert.Equal(t, []uint64{testCheckpoint}, callbackCheckpoints)
	assert.Equal(t, float64(1), requester.rec.count("on_transferring_complete"))

	// The whole chain was collected and verified.
	assert.Equal(t, uint64(testChainLen), requester.as.GetLastReachableBlockNum())
	for n := uint64(1); n <= testChainLen; n++ {
		block, ok := requester.as.GetBlock(n)
		require.True(t, ok)
		assert.Equal(t, chain[n], block, "block %d", n)
	}
	assert.Equal(t, float64(testChainLen), requester.rec.count("overall_blocks_collected"))

	// Reserved pages match the sources.
	for pageID := uint32(0); pageID < testNumPages; pageID++ {
		want, err := sources[0].engine.LoadReservedPage(pageID)
		require.NoError(t, err)
		got, err := requester.engine.LoadReservedPage(pageID)
		require.NoError(t, err)
		assert.Equal(t, want, got, "page %d", pageID)
	}

	// One broadcast round was enough: one ask per peer.
	assert.Len(t, net.sentByType(0, wire.MsgTypeAskForCheckpointSummaries), 3)
}

// TestByzantineSourceWrongDigest: the source serving block 100 delivers a
// corrupted chunk. The requester must discard its data, blacklist it,
// continue from another replica and still finish with the correct chain.
func TestByzantineSourceWrongDigest(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(testChainLen)
	newSourceEngine(t, 1, net, chain, testCheckpoint)
	newSourceEngine(t, 2, net, chain, testCheckpoint)
	newSourceEngine(t, 3, net, chain, testCheckpoint)

	tamperedSource := uint16(NoSource)
	net.tamper = func(env *envelope) bool {
		if tamperedSource != NoSource || env.to != 0 {
			return true
		}
		m, err := wire.Decode(env.bz)
		if err != nil {
			return true
		}
		item, ok := m.(*wire.ItemData)
		if !ok || item.BlockNumber != testChainLen {
			return true
		}
		item.Data[0] ^= 0xff
		env.bz = wire.Encode(item)
		tamperedSource = env.from
		return true
	}

	requester := newTestEngine(t, 0, net)
	requester.start(t)
	require.NoError(t, requester.engine.StartCollectingState())
	net.pump(t, 200000)

	require.NotEqual(t, uint16(NoSource), tamperedSource, "tamper hook never fired")
	assert.Equal(t, NotFetching, requester.engine.GetFetchingState())
	last, _ := requester.store.LastStoredCheckpoint()
	assert.Equal(t, uint64(testCheckpoint), last)
	for n := uint64(1); n <= testChainLen; n++ {
		block, ok := requester.as.GetBlock(n)
		require.True(t, ok)
		assert.Equal(t, chain[n], block, "block %d", n)
	}

	// After the corruption the requester moved to a different source.
	fetches := net.sentByType(0, wire.MsgTypeFetchBlocks)
	require.NotEmpty(t, fetches)
	destinations := map[uint16]bool{}
	for _, env := range fetches {
		destinations[env.to] = true
	}
	assert.GreaterOrEqual(t, len(destinations), 2, "expected a source rotation after bad data")
}

// TestCrashMidTransferResumes: a replica that crashed after collecting
// blocks 100..60 restarts in GettingMissingBlocks with
// nextRequiredBlock=59 and completes without re-running summary
// collection.
func TestCrashMidTransferResumes(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(testChainLen)
	source := newSourceEngine(t, 1, net, chain, testCheckpoint)
	newSourceEngine(t, 2, net, chain, testCheckpoint)
	newSourceEngine(t, 3, net, chain, testCheckpoint)

	target, ok := source.store.GetCheckpointDesc(testCheckpoint)
	require.True(t, ok)

	requester := newTestEngine(t, 0, net)
	requester.as.preload(chain, 60, testChainLen)
	txn := requester.store.NewTxn()
	txn.SetIsFetching(true)
	txn.SetCheckpointBeingFetched(target)
	txn.SetFirstRequiredBlock(1)
	txn.SetLastRequiredBlock(testChainLen)
	txn.Commit()

	requester.start(t)
	assert.Equal(t, GettingMissingBlocks, requester.engine.GetFetchingState())
	assert.Equal(t, uint64(59), requester.engine.nextRequiredBlock)

	net.pump(t, 100000)

	assert.Empty(t, net.sentByType(0, wire.MsgTypeAskForCheckpointSummaries),
		"resume must not re-run summary collection")
	assert.Equal(t, NotFetching, requester.engine.GetFetchingState())
	last, _ := requester.store.LastStoredCheckpoint()
	assert.Equal(t, uint64(testCheckpoint), last)
	assert.Equal(t, uint64(testChainLen), requester.as.GetLastReachableBlockNum())
}

// TestDivergentSummariesNeverCertify: two senders report checkpoint 5
// with different digests. Neither accrues f+1; after four broadcast
// rounds the partial certificates are purged and counted invalid.
func TestDivergentSummariesNeverCertify(t *testing.T) {
	net := newTestNetwork()
	requester := newTestEngine(t, 0, net)
	requester.engine.cfg.CheckpointSummariesRetransmissionTimeoutMs = 20
	requester.start(t)
	require.NoError(t, requester.engine.StartCollectingState())

	askSeq := requester.engine.lastMsgSeqNum
	gen := &seqGen{}
	for _, sender := range []uint16{1, 2} {
		summary := &wire.CheckpointSummary{
			Header:                     wire.Header{SenderID: sender, MsgSeqNum: gen.next()},
			CheckpointNum:              testCheckpoint,
			LastBlock:                  testChainLen,
			DigestOfLastBlock:          digest.OfBlock(testChainLen, []byte{byte(sender)}),
			DigestOfResPagesDescriptor: digest.OfBlock(testChainLen, []byte{byte(sender), 0xcc}),
			RequestMsgSeqNum:           askSeq,
		}
		requester.engine.handleMessage(wire.Encode(summary), sender)
	}
	assert.Equal(t, GettingCheckpointSummaries, requester.engine.GetFetchingState())
	assert.Len(t, requester.engine.certs, 1)
	assert.Equal(t, 2, requester.engine.certs[testCheckpoint].numSenders())

	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		requester.engine.onTimerTask()
	}

	assert.GreaterOrEqual(t,
		requester.rec.count("invalid_msg", "type", wire.MsgTypeCheckpointSummary.String()),
		float64(2))
	assert.Empty(t, requester.engine.certs, "partial certificates purged")
	assert.Equal(t, GettingCheckpointSummaries, requester.engine.GetFetchingState())
}

// TestStableCheckpointPruning: with checkpoints {3..12} stored and a
// retention of 10, creating checkpoint 13 erases checkpoint 3 together
// with its reserved-page snapshot; the count stays at 10.
func TestStableCheckpointPruning(t *testing.T) {
	net := newTestNetwork()
	te := newTestEngine(t, 0, net)
	te.start(t)

	for n := uint64(3); n <= 12; n++ {
		page := make([]byte, testPageSize)
		page[0] = byte(n)
		require.NoError(t, te.engine.SaveReservedPage(0, page))
		require.NoError(t, te.engine.CreateCheckpointOfCurrentState(n))
	}
	require.Equal(t, uint64(10), te.store.NumStoredCheckpoints())

	require.NoError(t, te.engine.MarkCheckpointAsStable(12))
	_, ok := te.store.GetCheckpointDesc(3)
	assert.True(t, ok, "checkpoint 3 still within the retention window")

	page := make([]byte, testPageSize)
	page[0] = 13
	require.NoError(t, te.engine.SaveReservedPage(0, page))
	require.NoError(t, te.engine.CreateCheckpointOfCurrentState(13))

	_, ok = te.store.GetCheckpointDesc(3)
	assert.False(t, ok, "checkpoint 3 erased")
	_, ok = te.store.GetCheckpointDesc(13)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), te.store.NumStoredCheckpoints())
	assert.NotContains(t, te.store.SnapshotsOfPage(0), uint64(3),
		"checkpoint 3's page snapshot erased")
}

// TestRejectCascadeRotatesSource: a source that is itself fetching
// answers FetchBlocks with RejectFetching(InProgress); the requester
// rotates without regressing its fetch state.
func TestRejectCascadeRotatesSource(t *testing.T) {
	net := newTestNetwork()
	requester := newTestEngine(t, 0, net)
	requester.start(t)
	require.NoError(t, requester.engine.StartCollectingState())

	// Complete a certificate by hand so the requester starts fetching.
	askSeq := requester.engine.lastMsgSeqNum
	gen := &seqGen{}
	d1 := digest.OfBlock(testChainLen, []byte("last"))
	d2 := digest.OfBlock(testChainLen, []byte("pages"))
	for _, sender := range []uint16{1, 2} {
		summary := &wire.CheckpointSummary{
			Header:                     wire.Header{SenderID: sender, MsgSeqNum: gen.next()},
			CheckpointNum:              testCheckpoint,
			LastBlock:                  testChainLen,
			DigestOfLastBlock:          d1,
			DigestOfResPagesDescriptor: d2,
			RequestMsgSeqNum:           askSeq,
		}
		requester.engine.handleMessage(wire.Encode(summary), sender)
	}
	require.Equal(t, GettingMissingBlocks, requester.engine.GetFetchingState())
	busySource := requester.engine.selector.currentSource
	require.NotEqual(t, uint16(NoSource), busySource)
	require.Len(t, net.sentByType(0, wire.MsgTypeFetchBlocks), 1)

	reject := &wire.RejectFetching{
		Header:           wire.Header{SenderID: busySource, MsgSeqNum: gen.next()},
		Reason:           wire.RejectReasonInProgress,
		RequestMsgSeqNum: requester.engine.lastMsgSeqNum,
	}
	requester.engine.handleMessage(wire.Encode(reject), busySource)

	assert.Equal(t, float64(1),
		requester.rec.count("received_msg", "type", wire.MsgTypeRejectFetching.String()))
	assert.NotEqual(t, busySource, requester.engine.selector.currentSource, "source rotated")
	assert.Len(t, net.sentByType(0, wire.MsgTypeFetchBlocks), 2, "fetch reissued")
	// No state regression.
	assert.Equal(t, GettingMissingBlocks, requester.engine.GetFetchingState())
	assert.Equal(t, uint64(testChainLen), requester.store.LastRequiredBlock())
	assert.Equal(t, uint64(testChainLen), requester.engine.nextRequiredBlock)
}

func TestServingRejectsRangeBeyondReachable(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(10)
	source := newSourceEngine(t, 1, net, chain, 1)

	gen := &seqGen{}
	fetch := &wire.FetchBlocks{
		Header:             wire.Header{SenderID: 0, MsgSeqNum: gen.next()},
		FirstRequiredBlock: 1,
		LastRequiredBlock:  20,
	}
	source.engine.handleMessage(wire.Encode(fetch), 0)

	rejects := net.sentByType(1, wire.MsgTypeRejectFetching)
	require.Len(t, rejects, 1)
	m, err := wire.Decode(rejects[0].bz)
	require.NoError(t, err)
	assert.Equal(t, wire.RejectReasonBadRequest, m.(*wire.RejectFetching).Reason)
}

func TestServingResumesFromKnownChunk(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(3)
	source := newSourceEngine(t, 1, net, chain, 1)

	gen := &seqGen{}
	fetch := &wire.FetchBlocks{
		Header:                            wire.Header{SenderID: 0, MsgSeqNum: gen.next()},
		FirstRequiredBlock:                3,
		LastRequiredBlock:                 3,
		LastKnownChunkInLastRequiredBlock: 1,
	}
	source.engine.handleMessage(wire.Encode(fetch), 0)

	items := net.sentByType(1, wire.MsgTypeItemData)
	require.Len(t, items, 1, "chunk 1 already known: only chunk 2 is resent")
	m, err := wire.Decode(items[0].bz)
	require.NoError(t, err)
	item := m.(*wire.ItemData)
	assert.Equal(t, uint16(2), item.ChunkNumber)
	assert.True(t, item.LastInBatch)
}

func TestInitValidation(t *testing.T) {
	net := newTestNetwork()
	te := newTestEngine(t, 0, net)

	require.ErrorIs(t, te.engine.Init(0, testNumPages, testPageSize), ErrBadInitArgs)
	require.ErrorIs(t, te.engine.Init(11, testNumPages, testPageSize), ErrBadInitArgs)
	require.ErrorIs(t, te.engine.Init(10, 0, testPageSize), ErrBadInitArgs)
	require.ErrorIs(t, te.engine.Init(10, testNumPages, testPageSize+1), ErrBadInitArgs)

	// Re-init with identical sizing is idempotent.
	require.NoError(t, te.engine.Init(10, testNumPages, testPageSize))
	// A different sizing contradicts the stored stamp.
	require.ErrorIs(t, te.engine.Init(9, testNumPages, testPageSize), ErrConfigMismatch)

	te.start(t)
	require.ErrorIs(t, te.engine.Init(10, testNumPages, testPageSize), ErrAlreadyRunning)
}

func TestReservedPageReadOrder(t *testing.T) {
	net := newTestNetwork()
	te := newTestEngine(t, 0, net)
	te.start(t)

	// Untouched pages read as zero.
	page, err := te.engine.LoadReservedPage(1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testPageSize), page)

	// Pending writes win and are zero-padded to the page size.
	require.NoError(t, te.engine.SaveReservedPage(1, []byte("pending")))
	page, err = te.engine.LoadReservedPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), page[:7])

	// A checkpoint freezes the pending view into a snapshot.
	require.NoError(t, te.engine.CreateCheckpointOfCurrentState(1))
	page, err = te.engine.LoadReservedPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), page[:7])

	// New pending writes shadow the snapshot.
	require.NoError(t, te.engine.SaveReservedPage(1, []byte("newer")))
	page, err = te.engine.LoadReservedPage(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), page[:5])

	require.NoError(t, te.engine.ZeroReservedPage(1))
	page, err = te.engine.LoadReservedPage(1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testPageSize), page)

	_, err = te.engine.LoadReservedPage(testNumPages)
	require.ErrorIs(t, err, ErrInvalidPageID)
	require.ErrorIs(t, te.engine.SaveReservedPage(testNumPages, nil), ErrInvalidPageID)
	require.ErrorIs(t, te.engine.SaveReservedPage(0, make([]byte, testPageSize+1)), ErrPageTooLarge)
}

func TestSaveReservedPageForbiddenWhileFetching(t *testing.T) {
	net := newTestNetwork()
	te := newTestEngine(t, 0, net)
	te.start(t)
	require.NoError(t, te.engine.StartCollectingState())
	require.ErrorIs(t, te.engine.SaveReservedPage(0, []byte("x")), ErrCollecting)
	require.ErrorIs(t, te.engine.CreateCheckpointOfCurrentState(1), ErrCollecting)
}

func TestCheckpointDescriptorDigestLaw(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(10)
	source := newSourceEngine(t, 1, net, chain, 2)

	desc, ok := source.store.GetCheckpointDesc(2)
	require.True(t, ok)
	entries := source.store.PagesDescriptor(2, testNumPages)
	assert.Equal(t, desc.DigestOfResPagesDescriptor, digest.OfPagesDescriptor(entries))
}

func TestCheckpointsMustBeMonotonic(t *testing.T) {
	net := newTestNetwork()
	te := newTestEngine(t, 0, net)
	te.start(t)
	require.NoError(t, te.engine.CreateCheckpointOfCurrentState(2))
	require.ErrorIs(t, te.engine.CreateCheckpointOfCurrentState(2), ErrNonMonotonicCheckpoint)
	require.ErrorIs(t, te.engine.CreateCheckpointOfCurrentState(1), ErrNonMonotonicCheckpoint)
	require.NoError(t, te.engine.CreateCheckpointOfCurrentState(3))
}

func TestReplayedMessageIsIrrelevant(t *testing.T) {
	net := newTestNetwork()
	chain := makeChain(10)
	source := newSourceEngine(t, 1, net, chain, 1)

	gen := &seqGen{}
	ask := &wire.AskForCheckpointSummaries{
		Header:                   wire.Header{SenderID: 0, MsgSeqNum: gen.next()},
		MinRelevantCheckpointNum: 1,
	}
	bz := wire.Encode(ask)
	source.engine.handleMessage(bz, 0)
	source.engine.handleMessage(bz, 0)

	assert.Equal(t, float64(1),
		source.rec.count("irrelevant_msg", "type", wire.MsgTypeAskForCheckpointSummaries.String()),
		"the replay is dropped as irrelevant")
	assert.Len(t, net.sentByType(1, wire.MsgTypeCheckpointSummary), 1,
		"only the first ask is answered")
}
