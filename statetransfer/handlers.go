package statetransfer

import (
	"time"

	"github.com/bftengine/bcst/wire"
)

func (e *Engine) countInvalid(t wire.MsgType) {
	e.metrics.InvalidMsg.With("type", t.String()).Add(1)
}

func (e *Engine) countIrrelevant(t wire.MsgType) {
	e.metrics.IrrelevantMsg.With("type", t.String()).Add(1)
}

// handleMessage runs on the engine worker. Malformed messages are dropped
// and counted but never blacklist the sender: line corruption is not
// proof of malice. Irrelevant messages (wrong phase, stale sequence
// numbers) are dropped and counted separately.
func (e *Engine) handleMessage(bz []byte, senderID uint16) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.IsRunning() {
		return
	}

	m, err := wire.Decode(bz)
	if err != nil {
		e.metrics.ReceivedIllegalMsg.Add(1)
		e.Logger.Debug("dropping undecodable message", "sender", senderID, "err", err)
		return
	}
	t := m.Type()
	e.metrics.ReceivedMsg.With("type", t.String()).Add(1)

	h := m.GetHeader()
	if senderID == e.cfg.MyReplicaID || senderID >= e.cfg.NumReplicas || h.SenderID != senderID {
		e.countInvalid(t)
		return
	}
	if !e.checkValidityAndSaveMsgSeqNum(senderID, h.MsgSeqNum) {
		e.countIrrelevant(t)
		return
	}

	switch msg := m.(type) {
	case *wire.AskForCheckpointSummaries:
		e.onAskForCheckpointSummaries(msg)
	case *wire.CheckpointSummary:
		e.onCheckpointSummary(msg)
	case *wire.FetchBlocks:
		e.onFetchBlocks(msg)
	case *wire.FetchResPages:
		e.onFetchResPages(msg)
	case *wire.RejectFetching:
		e.onRejectFetching(msg)
	case *wire.ItemData:
		e.onItemData(msg)
	}
}

// onAskForCheckpointSummaries replies with one CheckpointSummary per
// relevant stored checkpoint, newest first. A replica that is itself
// fetching does not answer.
func (e *Engine) onAskForCheckpointSummaries(m *wire.AskForCheckpointSummaries) {
	t := m.Type()
	if m.MinRelevantCheckpointNum == 0 {
		e.countInvalid(t)
		return
	}
	if e.fetchingState() != NotFetching {
		e.countIrrelevant(t)
		return
	}
	last, ok := e.ds.LastStoredCheckpoint()
	if !ok || m.MinRelevantCheckpointNum > last {
		e.countIrrelevant(t)
		return
	}
	first, _ := e.ds.FirstStoredCheckpoint()
	lowest := first
	if m.MinRelevantCheckpointNum > lowest {
		lowest = m.MinRelevantCheckpointNum
	}
	for n := last; n >= lowest; n-- {
		desc, ok := e.ds.GetCheckpointDesc(n)
		if !ok {
			panic("gap in stored checkpoints")
		}
		reply := &wire.CheckpointSummary{
			Header:                     e.header(),
			CheckpointNum:              desc.CheckpointNum,
			LastBlock:                  desc.LastBlock,
			DigestOfLastBlock:          desc.DigestOfLastBlock,
			DigestOfResPagesDescriptor: desc.DigestOfResPagesDescriptor,
			RequestMsgSeqNum:           m.MsgSeqNum,
		}
		e.send(reply, m.SenderID)
		if n == first {
			break
		}
	}
}

// onCheckpointSummary feeds the certificate collector. Conflicting
// contributions from one sender are dropped first-wins; a certificate
// completes at f+1 identical tuples, and the highest complete checkpoint
// wins.
func (e *Engine) onCheckpointSummary(m *wire.CheckpointSummary) {
	t := m.Type()
	if e.fetchingState() != GettingCheckpointSummaries {
		e.countIrrelevant(t)
		return
	}
	if m.RequestMsgSeqNum != e.lastMsgSeqNum {
		e.countIrrelevant(t)
		return
	}
	minRelevant := uint64(1)
	if last, ok := e.ds.LastStoredCheckpoint(); ok {
		minRelevant = last + 1
	}
	if m.CheckpointNum < minRelevant || m.CheckpointNum == 0 {
		e.countIrrelevant(t)
		return
	}
	if e.numSummariesFrom[m.SenderID] >= e.maxStoredCheckpoints {
		e.countIrrelevant(t)
		return
	}

	cert := e.certs[m.CheckpointNum]
	if cert == nil {
		cert = newSummaryCert(e.cfg.Quorum())
		e.certs[m.CheckpointNum] = cert
	}
	added, conflict := cert.add(m)
	if conflict {
		// Same sender, different payload for the same checkpoint: an
		// inconsistent contribution. Demote it, keep collecting.
		e.countInvalid(t)
		return
	}
	if !added {
		return
	}
	e.numSummariesFrom[m.SenderID]++

	var best *wire.CheckpointSummary
	for n, c := range e.certs {
		if !c.isComplete() {
			continue
		}
		if best == nil || n > best.CheckpointNum {
			best = c.bestPayload()
		}
	}
	if best != nil {
		e.onCertificateComplete(best)
	}
}

func (e *Engine) reject(reason wire.RejectReason, requestSeqNum uint64, dest uint16) {
	m := &wire.RejectFetching{
		Header:           e.header(),
		Reason:           reason,
		RequestMsgSeqNum: requestSeqNum,
	}
	e.send(m, dest)
}

// onFetchBlocks serves a block range as ItemData chunks, highest block
// first, capped by the batch size.
func (e *Engine) onFetchBlocks(m *wire.FetchBlocks) {
	t := m.Type()
	if m.FirstRequiredBlock == 0 || m.LastRequiredBlock < m.FirstRequiredBlock {
		e.countInvalid(t)
		return
	}
	if e.fetchingState() != NotFetching {
		e.countIrrelevant(t)
		e.reject(wire.RejectReasonInProgress, m.MsgSeqNum, m.SenderID)
		return
	}
	if m.LastRequiredBlock > e.as.GetLastReachableBlockNum() {
		e.countIrrelevant(t)
		e.reject(wire.RejectReasonBadRequest, m.MsgSeqNum, m.SenderID)
		return
	}
	e.streamBlocks(m)
}

func (e *Engine) streamBlocks(m *wire.FetchBlocks) {
	var chunksSent uint16
	batchCap := e.cfg.MaxNumberOfChunksInBatch
	for block := m.LastRequiredBlock; block >= m.FirstRequiredBlock && chunksSent < batchCap; block-- {
		data, ok := e.as.GetBlock(block)
		if !ok {
			panic("reachable block missing from app state")
		}
		total := numChunks(uint32(len(data)), e.cfg.MaxChunkSize)
		start := uint16(1)
		if block == m.LastRequiredBlock && m.LastKnownChunkInLastRequiredBlock > 0 {
			start = m.LastKnownChunkInLastRequiredBlock + 1
			if start > total {
				e.countInvalid(m.Type())
				e.reject(wire.RejectReasonBadRequest, m.MsgSeqNum, m.SenderID)
				return
			}
		}
		for c := start; c <= total && chunksSent < batchCap; c++ {
			chunk := chunkOf(data, c, e.cfg.MaxChunkSize)
			chunksSent++
			e.send(&wire.ItemData{
				Header:                     e.header(),
				BlockNumber:                block,
				TotalNumberOfChunksInBlock: total,
				ChunkNumber:                c,
				LastInBatch:                chunksSent == batchCap || (block == m.FirstRequiredBlock && c == total),
				Data:                       chunk,
			}, m.SenderID)
		}
	}
}

// onFetchResPages serves the virtual block of reserved pages for the
// requested checkpoint, materializing it through the cache.
func (e *Engine) onFetchResPages(m *wire.FetchResPages) {
	t := m.Type()
	if m.RequiredCheckpointNum == 0 || m.LastCheckpointKnownToRequester >= m.RequiredCheckpointNum {
		e.countInvalid(t)
		return
	}
	if e.fetchingState() != NotFetching {
		e.countIrrelevant(t)
		e.reject(wire.RejectReasonInProgress, m.MsgSeqNum, m.SenderID)
		return
	}
	if _, ok := e.ds.GetCheckpointDesc(m.RequiredCheckpointNum); !ok {
		e.countIrrelevant(t)
		e.reject(wire.RejectReasonCheckpointNotStored, m.MsgSeqNum, m.SenderID)
		return
	}

	desc := descOfVBlock{
		checkpointNum:                  m.RequiredCheckpointNum,
		lastCheckpointKnownToRequester: m.LastCheckpointKnownToRequester,
	}
	vblock, ok := e.vcache.get(desc)
	if !ok {
		vblock = buildVBlock(e.ds, m.RequiredCheckpointNum, m.LastCheckpointKnownToRequester,
			e.numReservedPages, e.pageSize)
		e.vcache.put(desc, vblock)
	}

	total := numChunks(uint32(len(vblock)), e.cfg.MaxChunkSize)
	start := uint16(1)
	if m.LastKnownChunkInLastRequiredBlock > 0 {
		start = m.LastKnownChunkInLastRequiredBlock + 1
		if start > total {
			e.countInvalid(t)
			e.reject(wire.RejectReasonBadRequest, m.MsgSeqNum, m.SenderID)
			return
		}
	}
	var chunksSent uint16
	for c := start; c <= total && chunksSent < e.cfg.MaxNumberOfChunksInBatch; c++ {
		chunk := chunkOf(vblock, c, e.cfg.MaxChunkSize)
		chunksSent++
		e.send(&wire.ItemData{
			Header:                     e.header(),
			BlockNumber:                wire.IDOfVBlockResPages,
			TotalNumberOfChunksInBlock: total,
			ChunkNumber:                c,
			LastInBatch:                chunksSent == e.cfg.MaxNumberOfChunksInBatch || c == total,
			Data:                       chunk,
		}, m.SenderID)
	}
}

// onRejectFetching rotates away from a source that declined to serve.
func (e *Engine) onRejectFetching(m *wire.RejectFetching) {
	t := m.Type()
	state := e.fetchingState()
	if state != GettingMissingBlocks && state != GettingMissingResPages {
		e.countIrrelevant(t)
		return
	}
	if e.selector == nil || !e.selector.isCurrentSource(m.SenderID) {
		e.countIrrelevant(t)
		return
	}
	e.Logger.Info("source rejected fetch request",
		"source", m.SenderID, "reason", m.Reason.String())
	e.pending.clear()
	e.rotateSource(time.Now())
	switch state {
	case GettingMissingBlocks:
		e.sendFetchBlocksMsg(0)
	case GettingMissingResPages:
		e.sendFetchResPagesMsg(0)
	}
}

// onItemData buffers one chunk from the current source and tries to make
// progress.
func (e *Engine) onItemData(m *wire.ItemData) {
	t := m.Type()
	state := e.fetchingState()
	if state != GettingMissingBlocks && state != GettingMissingResPages {
		e.countIrrelevant(t)
		return
	}
	if e.selector == nil || !e.selector.isCurrentSource(m.SenderID) {
		e.countIrrelevant(t)
		return
	}

	maxChunks := numChunks(e.cfg.MaxBlockSize, e.cfg.MaxChunkSize)
	if state == GettingMissingResPages {
		maxChunks = numChunks(maxVBlockSize(e.numReservedPages, e.pageSize), e.cfg.MaxChunkSize)
	}
	if m.DataSize() == 0 ||
		m.DataSize() > e.cfg.MaxChunkSize ||
		m.TotalNumberOfChunksInBlock == 0 ||
		m.TotalNumberOfChunksInBlock > maxChunks ||
		m.ChunkNumber == 0 ||
		m.ChunkNumber > m.TotalNumberOfChunksInBlock {
		e.countInvalid(t)
		return
	}

	switch state {
	case GettingMissingBlocks:
		if m.BlockNumber > e.nextRequiredBlock || m.BlockNumber < e.ds.FirstRequiredBlock() {
			e.countIrrelevant(t)
			return
		}
	case GettingMissingResPages:
		if m.BlockNumber != wire.IDOfVBlockResPages {
			e.countIrrelevant(t)
			return
		}
	}

	if e.pending.size()+m.DataSize() > e.cfg.MaxPendingDataFromSourceReplica {
		// Backpressure: shed rather than buffer unboundedly.
		e.countIrrelevant(t)
		return
	}

	added, err := e.pending.add(m)
	if err != nil {
		e.handleBadDataFromCurrentSource("contradictory chunk")
		return
	}
	if added {
		e.selector.onReceivedValidBlock(time.Now())
		e.processData()
	}
}

func numChunks(size, maxChunkSize uint32) uint16 {
	if size == 0 {
		return 0
	}
	return uint16((size + maxChunkSize - 1) / maxChunkSize)
}

func chunkOf(data []byte, chunkNumber uint16, maxChunkSize uint32) []byte {
	start := uint32(chunkNumber-1) * maxChunkSize
	end := start + maxChunkSize
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	return data[start:end]
}

func maxVBlockSize(numPages, pageSize uint32) uint32 {
	return uint32(vblockHeaderSize) + numPages*(12+pageSize)
}
