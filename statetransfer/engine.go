// Package statetransfer implements the Byzantine-tolerant collecting
// state transfer engine: it brings a replica that has fallen behind up to
// a recent stable checkpoint by pulling application blocks and reserved
// pages from other replicas, verifying every byte against digests agreed
// by a quorum, while tolerating up to f malicious peers.
package statetransfer

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/bftengine/bcst/config"
	"github.com/bftengine/bcst/datastore"
	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/libs/log"
	"github.com/bftengine/bcst/libs/service"
)

// FetchingState is the engine's phase in the collecting state machine.
type FetchingState int

const (
	NotFetching FetchingState = iota
	GettingCheckpointSummaries
	GettingMissingBlocks
	GettingMissingResPages
)

func (s FetchingState) String() string {
	switch s {
	case NotFetching:
		return "NotFetching"
	case GettingCheckpointSummaries:
		return "GettingCheckpointSummaries"
	case GettingMissingBlocks:
		return "GettingMissingBlocks"
	case GettingMissingResPages:
		return "GettingMissingResPages"
	default:
		return fmt.Sprintf("FetchingState(%d)", int(s))
	}
}

const (
	// maxNumOfStoredCheckpoints bounds how many checkpoints may be retained.
	maxNumOfStoredCheckpoints = 10
	// maxVBlocksInCache bounds the virtual block cache.
	maxVBlocksInCache = 28
	// resetCountAskForCheckpointSummaries is how many broadcast rounds may
	// pass without a certificate before the partial certificates are purged
	// and collection restarts.
	resetCountAskForCheckpointSummaries = 4
	// msgSeqNumCounterBits is the width of the per-millisecond counter in
	// the low bits of a message sequence number.
	msgSeqNumCounterBits = 16
	// pageSizeAlignment constrains the reserved page size.
	pageSizeAlignment = 32
)

// Engine is the state transfer engine. All message and timer stimuli are
// funneled through a single-consumer handoff queue; control calls from
// the host replica synchronize with that worker through the engine mutex,
// so every handler observes a fully committed predecessor.
type Engine struct {
	*service.BaseService

	cfg     config.Config
	as      AppState
	ds      *datastore.Store
	metrics *Metrics

	replica Replica

	handoff   *handoff
	tasks     *taskgroup.Group
	timerQuit chan struct{}

	mtx sync.Mutex

	inited               bool
	maxStoredCheckpoints uint64
	numReservedPages     uint32
	pageSize             uint32

	// unique message sequence numbers
	lastMilliOfUniqueFetchID uint64
	lastCountOfUniqueFetchID uint64
	lastMsgSeqNum            uint64

	// GettingCheckpointSummaries state
	lastTimeSentAsk      time.Time
	nextAskDelay         time.Duration
	retransmissionsOfAsk int
	certs                map[uint64]*summaryCert
	numSummariesFrom     map[uint16]uint64

	// GettingMissingBlocks / GettingMissingResPages state
	selector                  *sourceSelector
	nextRequiredBlock         uint64
	digestOfNextRequiredBlock digest.Digest
	pending                   *pendingChunks
	lastFetchSent             time.Time

	vcache *vblockCache

	onComplete []func(uint64)

	lastStatusDump time.Time
}

// New creates an engine over the given application state and datastore.
// Pass NopMetrics when metrics are not collected.
func New(cfg config.Config, logger log.Logger, as AppState, ds *datastore.Store, m *Metrics) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	if m == nil {
		m = NopMetrics()
	}
	e := &Engine{
		cfg:              cfg,
		as:               as,
		ds:               ds,
		metrics:          m,
		handoff:          newHandoff(),
		certs:            make(map[uint64]*summaryCert),
		numSummariesFrom: make(map[uint16]uint64),
		pending:          newPendingChunks(),
		vcache:           newVBlockCache(maxVBlocksInCache),
	}
	e.BaseService = service.NewBaseService(logger, "StateTransfer", e)
	return e, nil
}

// Init sizes the datastore. Idempotent across restarts: a datastore that
// was already initialized is checked against the arguments instead.
// Fails if invoked after StartRunning.
func (e *Engine) Init(maxStoredCheckpoints uint64, numReservedPages, sizeOfReservedPage uint32) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.IsRunning() {
		return ErrAlreadyRunning
	}
	if maxStoredCheckpoints == 0 || maxStoredCheckpoints > maxNumOfStoredCheckpoints {
		return fmt.Errorf("%w: max stored checkpoints %d not in [1,%d]",
			ErrBadInitArgs, maxStoredCheckpoints, maxNumOfStoredCheckpoints)
	}
	if numReservedPages == 0 || numReservedPages > e.cfg.MaxNumOfReservedPages {
		return fmt.Errorf("%w: number of reserved pages %d not in [1,%d]",
			ErrBadInitArgs, numReservedPages, e.cfg.MaxNumOfReservedPages)
	}
	if sizeOfReservedPage == 0 || sizeOfReservedPage%pageSizeAlignment != 0 {
		return fmt.Errorf("%w: reserved page size %d not a positive multiple of %d",
			ErrBadInitArgs, sizeOfReservedPage, pageSizeAlignment)
	}

	stamp := datastore.ConfigStamp{
		MyReplicaID:           e.cfg.MyReplicaID,
		FVal:                  e.cfg.FVal,
		MaxStoredCheckpoints:  maxStoredCheckpoints,
		NumberOfReservedPages: numReservedPages,
		SizeOfReservedPage:    sizeOfReservedPage,
	}
	if existing, ok := e.ds.GetConfigStamp(); ok {
		if existing != stamp {
			return fmt.Errorf("%w: stored %+v, requested %+v", ErrConfigMismatch, existing, stamp)
		}
	} else {
		e.ds.Init(stamp)
	}
	e.maxStoredCheckpoints = maxStoredCheckpoints
	e.numReservedPages = numReservedPages
	e.pageSize = sizeOfReservedPage
	e.inited = true
	return nil
}

// StartRunning transitions the engine to runnable and resumes any
// persisted in-flight transfer.
func (e *Engine) StartRunning(r Replica) error {
	if !e.inited {
		return ErrNotInitialized
	}
	e.replica = r
	return e.Start()
}

// StopRunning quiesces the executor. In-flight work completes, queued
// messages are dropped, persisted state is untouched.
func (e *Engine) StopRunning() error {
	return e.Stop()
}

// OnStart implements service.Implementation.
func (e *Engine) OnStart() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	e.tasks = taskgroup.New(nil)
	e.tasks.Go(e.handoff.run)
	if e.cfg.RunInSeparateThread {
		e.timerQuit = make(chan struct{})
		quit := e.timerQuit
		e.tasks.Go(func() error {
			ticker := time.NewTicker(e.cfg.RefreshTimer())
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					e.OnTimer()
				case <-quit:
					return nil
				}
			}
		})
	}

	e.checkConsistency(false)

	state := e.fetchingState()
	e.Logger.Info("state transfer starting", "state", state.String())
	switch state {
	case GettingCheckpointSummaries:
		e.enterGettingCheckpointSummaries()
	case GettingMissingBlocks:
		e.resumeFetchingBlocks()
	case GettingMissingResPages:
		e.selector = e.newSelector()
		e.sendFetchResPagesMsg(0)
	}
	e.updateGauges()
	return nil
}

// OnStop implements service.Implementation.
func (e *Engine) OnStop() {
	if e.timerQuit != nil {
		close(e.timerQuit)
	}
	e.handoff.stop()
	if e.tasks != nil {
		_ = e.tasks.Wait()
	}
}

// IsCollectingState reports whether a transfer is in progress.
func (e *Engine) IsCollectingState() bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.ds.IsFetching()
}

// NumberOfReservedPages returns the configured page count.
func (e *Engine) NumberOfReservedPages() uint32 { return e.numReservedPages }

// SizeOfReservedPage returns the configured page size.
func (e *Engine) SizeOfReservedPage() uint32 { return e.pageSize }

// AddOnTransferringCompleteCallback registers a callback fired exactly
// once per completed transfer, after the committing transaction returns.
func (e *Engine) AddOnTransferringCompleteCallback(cb func(checkpointNum uint64)) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.onComplete = append(e.onComplete, cb)
}

// fetchingState derives the phase from persisted state, so a crash
// resumes in the same phase. Callers hold the mutex.
func (e *Engine) fetchingState() FetchingState {
	if !e.ds.IsFetching() {
		return NotFetching
	}
	if _, ok := e.ds.CheckpointBeingFetched(); !ok {
		return GettingCheckpointSummaries
	}
	if e.ds.LastRequiredBlock() > 0 {
		return GettingMissingBlocks
	}
	return GettingMissingResPages
}

// GetFetchingState returns the engine's current phase.
func (e *Engine) GetFetchingState() FetchingState {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return e.fetchingState()
}

// CreateCheckpointOfCurrentState freezes the pending reserved pages into
// a snapshot indexed by checkpointNum, computes the reserved-pages
// descriptor digest, captures the last reachable block and its digest,
// and commits the checkpoint descriptor. Checkpoint numbers must be
// strictly increasing.
func (e *Engine) CreateCheckpointOfCurrentState(checkpointNum uint64) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.inited {
		return ErrNotInitialized
	}
	if e.ds.IsFetching() {
		return ErrCollecting
	}
	if last, ok := e.ds.LastStoredCheckpoint(); ok && checkpointNum <= last {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonicCheckpoint, checkpointNum, last)
	}
	e.metrics.CreateCheckpoint.Add(1)

	txn := e.ds.NewTxn()
	descriptorDigest := e.checkpointReservedPages(checkpointNum, txn)

	lastBlock := e.as.GetLastReachableBlockNum()
	var digestOfLastBlock digest.Digest
	if lastBlock > 0 {
		block, ok := e.as.GetBlock(lastBlock)
		if !ok {
			panic(fmt.Sprintf("last reachable block %d missing from app state", lastBlock))
		}
		digestOfLastBlock = digest.OfBlock(lastBlock, block)
	}
	desc := datastore.CheckpointDesc{
		CheckpointNum:              checkpointNum,
		LastBlock:                  lastBlock,
		DigestOfLastBlock:          digestOfLastBlock,
		DigestOfResPagesDescriptor: descriptorDigest,
	}
	txn.SetCheckpointDesc(desc)
	e.deleteOldCheckpoints(checkpointNum, txn)
	txn.Commit()

	e.Logger.Info("created checkpoint",
		"checkpoint", checkpointNum,
		"lastBlock", lastBlock,
		"pagesDescriptorDigest", descriptorDigest.String())
	e.updateGauges()
	return nil
}

// checkpointReservedPages moves the pending page view into snapshots at
// checkpointNum and returns the digest of the resulting full descriptor.
// The descriptor is computed from the pre-transaction store overlaid with
// the pages frozen here.
func (e *Engine) checkpointReservedPages(checkpointNum uint64, txn *datastore.Txn) digest.Digest {
	frozen := make(map[uint32]digest.PagesDescriptorEntry)
	for _, pageID := range e.ds.PendingPageIDs() {
		page, ok := e.ds.GetPendingResPage(pageID)
		if !ok {
			continue
		}
		d := digest.OfPage(pageID, checkpointNum, page)
		txn.SetResPage(pageID, checkpointNum, d, page)
		txn.DeletePendingResPage(pageID)
		frozen[pageID] = digest.PagesDescriptorEntry{
			PageID:        pageID,
			CheckpointNum: checkpointNum,
			PageDigest:    d,
		}
	}
	entries := e.ds.PagesDescriptor(checkpointNum, e.numReservedPages)
	for i := range entries {
		if fe, ok := frozen[entries[i].PageID]; ok {
			entries[i] = fe
		}
	}
	return digest.OfPagesDescriptor(entries)
}

// deleteOldCheckpoints prunes descriptors at or below
// checkpointNum - maxStoredCheckpoints, together with the reserved-page
// snapshots they covered, and purges the virtual block cache.
func (e *Engine) deleteOldCheckpoints(checkpointNum uint64, txn *datastore.Txn) {
	if checkpointNum <= e.maxStoredCheckpoints {
		return
	}
	horizon := checkpointNum - e.maxStoredCheckpoints
	first, ok := e.ds.FirstStoredCheckpoint()
	if !ok || first > horizon {
		return
	}
	for n := first; n <= horizon; n++ {
		txn.DeleteCheckpointDesc(n)
	}
	txn.PruneResPagesBelow(horizon+1, e.numReservedPages)
	e.vcache.purge()
	e.Logger.Debug("pruned old checkpoints", "upTo", horizon)
}

// MarkCheckpointAsStable deletes every stored checkpoint below
// checkpointNum - maxStoredCheckpoints + 1 and their reserved-page
// snapshots.
func (e *Engine) MarkCheckpointAsStable(checkpointNum uint64) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.inited {
		return ErrNotInitialized
	}
	e.metrics.MarkCheckpointAsStable.Add(1)
	if checkpointNum+1 <= e.maxStoredCheckpoints {
		return nil
	}
	minRetained := checkpointNum - e.maxStoredCheckpoints + 1
	first, ok := e.ds.FirstStoredCheckpoint()
	if !ok || first >= minRetained {
		return nil
	}
	txn := e.ds.NewTxn()
	for n := first; n < minRetained; n++ {
		txn.DeleteCheckpointDesc(n)
	}
	txn.PruneResPagesBelow(minRetained, e.numReservedPages)
	txn.Commit()
	e.vcache.purge()
	e.Logger.Info("marked checkpoint stable", "checkpoint", checkpointNum, "minRetained", minRetained)
	e.updateGauges()
	return nil
}

// GetDigestOfCheckpoint returns a digest covering the whole checkpoint
// descriptor.
func (e *Engine) GetDigestOfCheckpoint(checkpointNum uint64) (digest.Digest, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	desc, ok := e.ds.GetCheckpointDesc(checkpointNum)
	if !ok {
		return digest.Digest{}, false
	}
	bz := make([]byte, 0, 16+2*digest.Size)
	bz = binary.LittleEndian.AppendUint64(bz, desc.CheckpointNum)
	bz = binary.LittleEndian.AppendUint64(bz, desc.LastBlock)
	bz = append(bz, desc.DigestOfLastBlock[:]...)
	bz = append(bz, desc.DigestOfResPagesDescriptor[:]...)
	return digest.OfBlock(desc.CheckpointNum, bz), true
}

// StartCollectingState enters the fetching state machine. Fails if a
// transfer is already in progress.
func (e *Engine) StartCollectingState() error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.IsRunning() {
		return ErrNotRunning
	}
	if e.ds.IsFetching() {
		return ErrAlreadyCollecting
	}
	e.metrics.StartCollectingState.Add(1)

	txn := e.ds.NewTxn()
	txn.SetIsFetching(true)
	txn.Commit()

	e.replica.ChangeStateTransferTimerPeriod(e.cfg.RefreshTimer())
	e.enterGettingCheckpointSummaries()
	e.updateGauges()
	return nil
}

// LoadReservedPage reads a page: the pending write-set wins, then the
// newest applicable checkpoint snapshot; pages never written read as
// zero (the seeded zero snapshot).
func (e *Engine) LoadReservedPage(pageID uint32) ([]byte, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.inited {
		return nil, ErrNotInitialized
	}
	if pageID >= e.numReservedPages {
		return nil, fmt.Errorf("%w: %d >= %d", ErrInvalidPageID, pageID, e.numReservedPages)
	}
	e.metrics.LoadReservedPage.Add(1)
	if page, ok := e.ds.GetPendingResPage(pageID); ok {
		return page, nil
	}
	page, ok := e.ds.GetResPage(pageID, math.MaxInt64-1)
	if !ok {
		panic(fmt.Sprintf("reserved page %d has no snapshot", pageID))
	}
	return page.Page, nil
}

// SaveReservedPage writes a page into the pending view. Data shorter than
// the page size is zero-padded.
func (e *Engine) SaveReservedPage(pageID uint32, data []byte) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.inited {
		return ErrNotInitialized
	}
	if pageID >= e.numReservedPages {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidPageID, pageID, e.numReservedPages)
	}
	if uint32(len(data)) > e.pageSize {
		return fmt.Errorf("%w: %d > %d", ErrPageTooLarge, len(data), e.pageSize)
	}
	if e.ds.IsFetching() {
		return ErrCollecting
	}
	e.metrics.SaveReservedPage.Add(1)
	page := make([]byte, e.pageSize)
	copy(page, data)
	txn := e.ds.NewTxn()
	txn.SetPendingResPage(pageID, page)
	txn.Commit()
	return nil
}

// ZeroReservedPage writes an all-zero page into the pending view.
func (e *Engine) ZeroReservedPage(pageID uint32) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if !e.inited {
		return ErrNotInitialized
	}
	if pageID >= e.numReservedPages {
		return fmt.Errorf("%w: %d >= %d", ErrInvalidPageID, pageID, e.numReservedPages)
	}
	e.metrics.ZeroReservedPage.Add(1)
	txn := e.ds.NewTxn()
	txn.SetPendingResPage(pageID, make([]byte, e.pageSize))
	txn.Commit()
	return nil
}

// HandleStateTransferMessage hands an inbound message to the engine
// worker. Safe to call from any thread; dropped when the engine is
// stopped or saturated.
func (e *Engine) HandleStateTransferMessage(msg []byte, senderID uint16) {
	if !e.handoff.push(func() { e.handleMessage(msg, senderID) }) {
		e.Logger.Debug("dropping state transfer message", "sender", senderID)
	}
}

// OnTimer hands a timer tick to the engine worker.
func (e *Engine) OnTimer() {
	e.handoff.push(e.onTimerTask)
}

// uniqueMsgSeqNum composes a strictly increasing sequence number from the
// wall clock in the upper bits and a per-millisecond counter in the low
// bits. Callers hold the mutex.
func (e *Engine) uniqueMsgSeqNum() uint64 {
	milli := uint64(time.Now().UnixMilli())
	if milli <= e.lastMilliOfUniqueFetchID {
		// Clock stalled or moved backwards: keep counting in the last
		// observed millisecond.
		milli = e.lastMilliOfUniqueFetchID
		e.lastCountOfUniqueFetchID++
	} else {
		e.lastMilliOfUniqueFetchID = milli
		e.lastCountOfUniqueFetchID = 0
	}
	if e.lastCountOfUniqueFetchID >= 1<<msgSeqNumCounterBits {
		e.lastMilliOfUniqueFetchID++
		milli = e.lastMilliOfUniqueFetchID
		e.lastCountOfUniqueFetchID = 0
	}
	return milli<<msgSeqNumCounterBits | e.lastCountOfUniqueFetchID
}

// checkValidityAndSaveMsgSeqNum enforces per-sender strictly increasing
// sequence numbers, with a bounded resync window for senders whose clock
// moved backwards, and the global staleness bound.
func (e *Engine) checkValidityAndSaveMsgSeqNum(senderID uint16, seqNum uint64) bool {
	msgMilli := seqNum >> msgSeqNumCounterBits
	nowMilli := uint64(time.Now().UnixMilli())
	maxDelay := uint64(e.cfg.MaxAcceptableMsgDelayMs)
	if msgMilli > nowMilli+maxDelay {
		return false
	}
	if nowMilli > msgMilli+maxDelay {
		return false
	}
	last, ok := e.ds.LastMsgSeqNum(senderID)
	if ok && seqNum <= last {
		window := uint64(e.cfg.MsgSeqNumResyncWindowMs) << msgSeqNumCounterBits
		if seqNum == last || last-seqNum > window {
			return false
		}
		// Inside the resync window: accept, keep the high-water mark.
		return true
	}
	e.ds.SetLastMsgSeqNum(senderID, seqNum)
	return true
}

func (e *Engine) allOtherReplicas() []uint16 {
	out := make([]uint16, 0, e.cfg.NumReplicas-1)
	for r := uint16(0); r < e.cfg.NumReplicas; r++ {
		if r != e.cfg.MyReplicaID {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) newSelector() *sourceSelector {
	return newSourceSelector(
		e.allOtherReplicas(),
		time.Duration(e.cfg.SourceReplicaReplacementTimeoutMs)*time.Millisecond,
		int64(e.cfg.MyReplicaID)+time.Now().UnixNano(),
	)
}

func (e *Engine) updateGauges() {
	e.metrics.FetchingState.Set(float64(e.fetchingState()))
	if last, ok := e.ds.LastStoredCheckpoint(); ok {
		e.metrics.LastStoredCheckpoint.Set(float64(last))
	} else {
		e.metrics.LastStoredCheckpoint.Set(0)
	}
	if desc, ok := e.ds.CheckpointBeingFetched(); ok {
		e.metrics.CheckpointBeingFetched.Set(float64(desc.CheckpointNum))
	} else {
		e.metrics.CheckpointBeingFetched.Set(0)
	}
	e.metrics.NextRequiredBlock.Set(float64(e.nextRequiredBlock))
	if e.selector != nil && e.selector.hasSource() {
		e.metrics.CurrentSourceReplica.Set(float64(e.selector.currentSource))
	} else {
		e.metrics.CurrentSourceReplica.Set(float64(NoSource))
	}
	e.metrics.NumPendingItemDataMsgs.Set(float64(e.pending.len()))
	e.metrics.TotalSizeOfPendingItemDataMsgs.Set(float64(e.pending.size()))
	e.metrics.LastBlock.Set(float64(e.as.GetLastBlockNum()))
	e.metrics.LastReachableBlock.Set(float64(e.as.GetLastReachableBlockNum()))
}

// Status returns a human-readable one-line summary for diagnostics.
func (e *Engine) Status() string {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	first, _ := e.ds.FirstStoredCheckpoint()
	last, _ := e.ds.LastStoredCheckpoint()
	source := NoSource
	if e.selector != nil {
		source = e.selector.currentSource
	}
	return fmt.Sprintf(
		"state=%s checkpoints=[%d,%d] lastReachableBlock=%d nextRequiredBlock=%d source=%d pendingChunks=%d",
		e.fetchingState(), first, last,
		e.as.GetLastReachableBlockNum(), e.nextRequiredBlock, source, e.pending.len(),
	)
}
