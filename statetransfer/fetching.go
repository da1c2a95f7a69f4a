package statetransfer

import (
	"fmt"
	"math/rand"
	"time"

	pool "github.com/libp2p/go-buffer-pool"

	"github.com/bftengine/bcst/datastore"
	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/wire"
)

// send encodes and ships one message, bumping the sent counter.
func (e *Engine) send(m wire.Msg, dest uint16) {
	e.replica.SendStateTransferMessage(wire.Encode(m), dest)
	e.metrics.SentMsg.With("type", m.Type().String()).Add(1)
}

func (e *Engine) header() wire.Header {
	seq := e.uniqueMsgSeqNum()
	e.lastMsgSeqNum = seq
	return wire.Header{SenderID: e.cfg.MyReplicaID, MsgSeqNum: seq}
}

// enterGettingCheckpointSummaries clears any previous summary-collection
// state and broadcasts the first ask. Callers hold the mutex.
func (e *Engine) enterGettingCheckpointSummaries() {
	e.verifyEmptyInfoAboutGettingCheckpointSummary()
	e.selector = nil
	e.pending.clear()
	e.nextRequiredBlock = 0
	e.digestOfNextRequiredBlock = digest.Digest{}
	e.retransmissionsOfAsk = 0
	e.sendAskForCheckpointSummariesMsg()
}

func (e *Engine) verifyEmptyInfoAboutGettingCheckpointSummary() {
	if len(e.certs) != 0 || len(e.numSummariesFrom) != 0 {
		panic("checkpoint summary collection state not empty")
	}
}

func (e *Engine) clearInfoAboutGettingCheckpointSummary(countInvalid bool) {
	if countInvalid {
		for _, cert := range e.certs {
			if !cert.isComplete() {
				e.metrics.InvalidMsg.
					With("type", wire.MsgTypeCheckpointSummary.String()).
					Add(float64(cert.numSenders()))
			}
		}
	}
	e.certs = make(map[uint64]*summaryCert)
	e.numSummariesFrom = make(map[uint16]uint64)
}

// sendAskForCheckpointSummariesMsg broadcasts an ask to every other
// replica and arms a randomized retransmission backoff bounded by the
// configured timeout.
func (e *Engine) sendAskForCheckpointSummariesMsg() {
	e.retransmissionsOfAsk++
	minRelevant := uint64(1)
	if last, ok := e.ds.LastStoredCheckpoint(); ok {
		minRelevant = last + 1
	}
	m := &wire.AskForCheckpointSummaries{
		Header:                   e.header(),
		MinRelevantCheckpointNum: minRelevant,
	}
	for _, r := range e.allOtherReplicas() {
		e.send(m, r)
	}
	timeout := time.Duration(e.cfg.CheckpointSummariesRetransmissionTimeoutMs) * time.Millisecond
	e.lastTimeSentAsk = time.Now()
	e.nextAskDelay = timeout/2 + time.Duration(rand.Int63n(int64(timeout/2)+1))
	e.Logger.Debug("sent AskForCheckpointSummaries",
		"minRelevantCheckpoint", minRelevant, "round", e.retransmissionsOfAsk)
}

// onCertificateComplete fixes the transfer target and moves to fetching
// blocks, or directly to reserved pages when the block chain is already
// complete.
func (e *Engine) onCertificateComplete(target *wire.CheckpointSummary) {
	e.clearInfoAboutGettingCheckpointSummary(false)

	desc := datastore.CheckpointDesc{
		CheckpointNum:              target.CheckpointNum,
		LastBlock:                  target.LastBlock,
		DigestOfLastBlock:          target.DigestOfLastBlock,
		DigestOfResPagesDescriptor: target.DigestOfResPagesDescriptor,
	}
	lastReachable := e.as.GetLastReachableBlockNum()

	txn := e.ds.NewTxn()
	txn.SetCheckpointBeingFetched(desc)
	if target.LastBlock > lastReachable {
		txn.SetFirstRequiredBlock(lastReachable + 1)
		txn.SetLastRequiredBlock(target.LastBlock)
	}
	txn.Commit()

	e.selector = e.newSelector()
	e.pending.clear()
	e.Logger.Info("checkpoint summary certificate complete",
		"checkpoint", target.CheckpointNum,
		"targetLastBlock", target.LastBlock,
		"lastReachableBlock", lastReachable)

	if target.LastBlock > lastReachable {
		e.nextRequiredBlock = target.LastBlock
		e.digestOfNextRequiredBlock = target.DigestOfLastBlock
		e.sendFetchBlocksMsg(0)
	} else {
		e.sendFetchResPagesMsg(0)
	}
	e.updateGauges()
}

// resumeFetchingBlocks rebuilds the in-memory fetch position after a
// restart: blocks already collected sit contiguously under the target, so
// the next required block is the first gap walking down, and its expected
// digest is the parent digest of the block above it.
func (e *Engine) resumeFetchingBlocks() {
	target, ok := e.ds.CheckpointBeingFetched()
	if !ok {
		panic("resuming block fetch with no checkpoint being fetched")
	}
	lastRequired := e.ds.LastRequiredBlock()
	firstRequired := e.ds.FirstRequiredBlock()

	next := lastRequired
	expected := target.DigestOfLastBlock
	for next >= firstRequired && e.as.HasBlock(next) {
		prev, ok := e.as.GetPrevDigestFromBlock(next)
		if !ok {
			panic(fmt.Sprintf("block %d present but unreadable", next))
		}
		expected = prev
		next--
	}
	if next < firstRequired {
		// Everything already collected before the crash; move on to pages.
		txn := e.ds.NewTxn()
		txn.SetFirstRequiredBlock(0)
		txn.SetLastRequiredBlock(0)
		txn.Commit()
		e.selector = e.newSelector()
		e.sendFetchResPagesMsg(0)
		return
	}
	e.nextRequiredBlock = next
	e.digestOfNextRequiredBlock = expected
	e.selector = e.newSelector()
	e.Logger.Info("resuming block fetch",
		"nextRequiredBlock", next, "lastRequiredBlock", lastRequired)
	e.sendFetchBlocksMsg(0)
}

// sendFetchBlocksMsg asks the current source (selecting one if needed)
// for the next batch of blocks ending at nextRequiredBlock.
func (e *Engine) sendFetchBlocksMsg(lastKnownChunk uint16) {
	now := time.Now()
	if e.selector.shouldReplace(now) {
		e.rotateSource(now)
		lastKnownChunk = 0
	}
	firstRequired := e.ds.FirstRequiredBlock()
	batchStart := firstRequired
	if span := uint64(e.cfg.MaxNumberOfChunksInBatch); e.nextRequiredBlock >= span && e.nextRequiredBlock-span+1 > firstRequired {
		batchStart = e.nextRequiredBlock - span + 1
	}
	m := &wire.FetchBlocks{
		Header:                            e.header(),
		FirstRequiredBlock:                batchStart,
		LastRequiredBlock:                 e.nextRequiredBlock,
		LastKnownChunkInLastRequiredBlock: lastKnownChunk,
	}
	e.send(m, e.selector.currentSource)
	e.lastFetchSent = now
}

// sendFetchResPagesMsg asks the current source for the virtual block of
// reserved pages up to the target checkpoint.
func (e *Engine) sendFetchResPagesMsg(lastKnownChunk uint16) {
	now := time.Now()
	if e.selector.shouldReplace(now) {
		e.rotateSource(now)
		lastKnownChunk = 0
	}
	target, ok := e.ds.CheckpointBeingFetched()
	if !ok {
		panic("fetching reserved pages with no checkpoint being fetched")
	}
	lastKnown := uint64(0)
	if last, ok := e.ds.LastStoredCheckpoint(); ok {
		lastKnown = last
	}
	m := &wire.FetchResPages{
		Header:                            e.header(),
		LastCheckpointKnownToRequester:    lastKnown,
		LastKnownChunkInLastRequiredBlock: lastKnownChunk,
		RequiredCheckpointNum:             target.CheckpointNum,
	}
	e.send(m, e.selector.currentSource)
	e.lastFetchSent = now
}

// rotateSource drops buffered data from the old source and selects a new
// one.
func (e *Engine) rotateSource(now time.Time) {
	old := e.selector.currentSource
	e.pending.clear()
	src := e.selector.selectSource(now)
	if old != NoSource && old != src {
		e.Logger.Info("rotated source replica", "old", old, "new", src)
	}
	e.metrics.CurrentSourceReplica.Set(float64(src))
}

// handleBadDataFromCurrentSource blacklists the current source, discards
// everything buffered from it, and restarts the batch from another
// replica.
func (e *Engine) handleBadDataFromCurrentSource(reason string) {
	src := e.selector.currentSource
	e.Logger.Error("bad data from source replica", "source", src, "reason", reason)
	e.pending.clear()
	e.selector.markBad(src)
	switch e.fetchingState() {
	case GettingMissingBlocks:
		e.sendFetchBlocksMsg(0)
	case GettingMissingResPages:
		e.sendFetchResPagesMsg(0)
	}
	e.updateGauges()
}

// processData drains the pending chunk buffer: reassembles the highest
// required block, verifies it against the expected digest, and walks the
// chain backwards. In the reserved-pages phase it reassembles and applies
// the virtual block instead.
func (e *Engine) processData() {
	for {
		switch e.fetchingState() {
		case GettingMissingBlocks:
			if !e.processNextBlock() {
				e.updateGauges()
				return
			}
		case GettingMissingResPages:
			e.processVBlock()
			e.updateGauges()
			return
		default:
			return
		}
	}
}

// processNextBlock consumes one fully buffered block. It returns true
// when progress was made and more blocks may be buffered.
func (e *Engine) processNextBlock() bool {
	required := e.nextRequiredBlock
	data, lastInBatch, ok, err := e.pending.fullBlock(required)
	if err != nil {
		e.handleBadDataFromCurrentSource("inconsistent chunks")
		return false
	}
	if !ok {
		return false
	}
	defer pool.Put(data)

	if uint32(len(data)) > e.cfg.MaxBlockSize {
		e.handleBadDataFromCurrentSource("block exceeds max size")
		return false
	}
	if digest.OfBlock(required, data) != e.digestOfNextRequiredBlock {
		e.handleBadDataFromCurrentSource("block digest mismatch")
		return false
	}
	if err := e.as.PutBlock(required, data); err != nil {
		panic(fmt.Sprintf("failed to store block %d: %v", required, err))
	}
	e.selector.onReceivedValidBlock(time.Now())
	e.metrics.OverallBlocksCollected.Add(1)
	e.metrics.OverallBytesCollected.Add(float64(len(data)))

	firstRequired := e.ds.FirstRequiredBlock()
	if required > firstRequired {
		prev, ok := e.as.GetPrevDigestFromBlock(required)
		if !ok {
			panic(fmt.Sprintf("stored block %d unreadable", required))
		}
		e.digestOfNextRequiredBlock = prev
		e.nextRequiredBlock = required - 1
		if lastInBatch {
			e.sendFetchBlocksMsg(e.pending.contiguous(e.nextRequiredBlock))
		}
		return true
	}

	// All blocks up to the target are present and verified.
	txn := e.ds.NewTxn()
	txn.SetFirstRequiredBlock(0)
	txn.SetLastRequiredBlock(0)
	txn.Commit()
	e.pending.clear()
	e.nextRequiredBlock = 0
	e.digestOfNextRequiredBlock = digest.Digest{}
	e.Logger.Info("collected all missing blocks",
		"lastReachableBlock", e.as.GetLastReachableBlockNum())
	e.sendFetchResPagesMsg(0)
	return false
}

// processVBlock consumes the reassembled virtual block, verifies it
// against the certified reserved-pages descriptor digest, applies the
// pages and commits the transfer.
func (e *Engine) processVBlock() {
	data, _, ok, err := e.pending.fullBlock(wire.IDOfVBlockResPages)
	if err != nil {
		e.handleBadDataFromCurrentSource("inconsistent vblock chunks")
		return
	}
	if !ok {
		return
	}
	defer pool.Put(data)

	target, okT := e.ds.CheckpointBeingFetched()
	if !okT {
		panic("processing vblock with no checkpoint being fetched")
	}
	entries, okV := e.checkVBlock(data, target)
	if !okV {
		e.handleBadDataFromCurrentSource("vblock verification failed")
		return
	}
	e.commitTransfer(target, entries)
}

// checkVBlock validates a reassembled virtual block: structure, entry
// ranges, and the digest of the full descriptor it induces together with
// the locally stored pages.
func (e *Engine) checkVBlock(data []byte, target datastore.CheckpointDesc) ([]vblockEntry, bool) {
	checkpointNum, lastKnown, entries, err := parseVBlock(data, e.pageSize)
	if err != nil {
		return nil, false
	}
	if checkpointNum != target.CheckpointNum {
		return nil, false
	}
	myLastStored := uint64(0)
	if last, ok := e.ds.LastStoredCheckpoint(); ok {
		myLastStored = last
	}
	if lastKnown != myLastStored {
		return nil, false
	}
	overlay := make(map[uint32]digest.PagesDescriptorEntry, len(entries))
	for _, entry := range entries {
		if entry.pageID >= e.numReservedPages ||
			entry.checkpointNum <= lastKnown ||
			entry.checkpointNum > target.CheckpointNum {
			return nil, false
		}
		overlay[entry.pageID] = digest.PagesDescriptorEntry{
			PageID:        entry.pageID,
			CheckpointNum: entry.checkpointNum,
			PageDigest:    digest.OfPage(entry.pageID, entry.checkpointNum, entry.page),
		}
	}
	full := e.ds.PagesDescriptor(target.CheckpointNum, e.numReservedPages)
	for i := range full {
		if oe, ok := overlay[full[i].PageID]; ok {
			full[i] = oe
		}
	}
	if digest.OfPagesDescriptor(full) != target.DigestOfResPagesDescriptor {
		return nil, false
	}
	return entries, true
}

// commitTransfer applies the virtual block and the target checkpoint
// descriptor in a single transaction, clears the fetching flag, and fans
// out the completion callbacks.
func (e *Engine) commitTransfer(target datastore.CheckpointDesc, entries []vblockEntry) {
	txn := e.ds.NewTxn()
	for _, entry := range entries {
		d := digest.OfPage(entry.pageID, entry.checkpointNum, entry.page)
		txn.SetResPage(entry.pageID, entry.checkpointNum, d, entry.page)
		txn.DeletePendingResPage(entry.pageID)
	}
	txn.SetCheckpointDesc(target)
	txn.DeleteCheckpointBeingFetched()
	txn.SetIsFetching(false)
	e.deleteOldCheckpoints(target.CheckpointNum, txn)
	txn.Commit()

	e.pending.clear()
	e.selector = nil
	e.nextRequiredBlock = 0
	e.digestOfNextRequiredBlock = digest.Digest{}

	e.metrics.OnTransferringComplete.Add(1)
	e.updateGauges()
	e.Logger.Info("state transfer complete",
		"checkpoint", target.CheckpointNum,
		"lastBlock", target.LastBlock)

	e.replica.OnTransferringComplete(target.CheckpointNum)
	for _, cb := range e.onComplete {
		cb(target.CheckpointNum)
	}
}

// onTimerTask runs on the engine worker: retransmissions, source
// rotation, and the periodic status line.
func (e *Engine) onTimerTask() {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.IsRunning() {
		return
	}
	e.metrics.OnTimer.Add(1)
	now := time.Now()

	if interval := time.Duration(e.cfg.MetricsDumpIntervalSec) * time.Second; interval > 0 &&
		now.Sub(e.lastStatusDump) >= interval {
		e.lastStatusDump = now
		first, _ := e.ds.FirstStoredCheckpoint()
		last, _ := e.ds.LastStoredCheckpoint()
		e.Logger.Info("state transfer status",
			"state", e.fetchingState().String(),
			"firstStoredCheckpoint", first,
			"lastStoredCheckpoint", last,
			"lastReachableBlock", e.as.GetLastReachableBlockNum(),
			"nextRequiredBlock", e.nextRequiredBlock,
			"pendingChunks", e.pending.len())
	}

	switch e.fetchingState() {
	case GettingCheckpointSummaries:
		if now.Sub(e.lastTimeSentAsk) < e.nextAskDelay {
			return
		}
		if e.retransmissionsOfAsk >= resetCountAskForCheckpointSummaries {
			e.Logger.Info("no checkpoint summary certificate; restarting collection",
				"rounds", e.retransmissionsOfAsk)
			e.clearInfoAboutGettingCheckpointSummary(true)
			e.retransmissionsOfAsk = 0
		}
		e.sendAskForCheckpointSummariesMsg()

	case GettingMissingBlocks:
		if e.selector.shouldReplace(now) {
			e.rotateSource(now)
			e.sendFetchBlocksMsg(0)
		} else if now.Sub(e.lastFetchSent) >= time.Duration(e.cfg.FetchRetransmissionTimeoutMs)*time.Millisecond {
			e.selector.onRetransmission()
			e.sendFetchBlocksMsg(e.pending.contiguous(e.nextRequiredBlock))
		}

	case GettingMissingResPages:
		if e.selector.shouldReplace(now) {
			e.rotateSource(now)
			e.sendFetchResPagesMsg(0)
		} else if now.Sub(e.lastFetchSent) >= time.Duration(e.cfg.FetchRetransmissionTimeoutMs)*time.Millisecond {
			e.selector.onRetransmission()
			e.sendFetchResPagesMsg(e.pending.contiguous(wire.IDOfVBlockResPages))
		}
	}
}
