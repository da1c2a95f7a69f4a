package statetransfer

import (
	"fmt"

	"github.com/bftengine/bcst/digest"
)

// The consistency auditor validates local state against the datastore
// invariants when the engine starts (OnStart is its only caller). Any
// violation is fatal: the engine aborts rather than run on corrupt state,
// which would let it serve bad data or accept an impossible transfer.

func (e *Engine) checkConsistency(checkAllBlocks bool) {
	e.checkConfig()
	first, okFirst := e.ds.FirstStoredCheckpoint()
	last, okLast := e.ds.LastStoredCheckpoint()
	if okFirst != okLast {
		panic("datastore has only one of first/last stored checkpoint")
	}
	lastReachable := e.as.GetLastReachableBlockNum()
	lastBlock := e.as.GetLastBlockNum()
	if okFirst {
		e.checkFirstAndLastCheckpoint(first, last)
		e.checkStoredCheckpoints(first, last)
	}
	if checkAllBlocks {
		e.checkReachableBlocks(lastReachable)
	}
	e.checkUnreachableBlocks(lastReachable, lastBlock)
	e.checkBlocksBeingFetchedNow(lastReachable)
}

func (e *Engine) checkConfig() {
	stamp, ok := e.ds.GetConfigStamp()
	if !ok {
		panic("datastore not initialized")
	}
	if stamp.MyReplicaID != e.cfg.MyReplicaID ||
		stamp.FVal != e.cfg.FVal ||
		stamp.MaxStoredCheckpoints != e.maxStoredCheckpoints ||
		stamp.NumberOfReservedPages != e.numReservedPages ||
		stamp.SizeOfReservedPage != e.pageSize {
		panic(fmt.Sprintf("datastore initialized under different configuration: %+v", stamp))
	}
}

func (e *Engine) checkFirstAndLastCheckpoint(first, last uint64) {
	if first > last {
		panic(fmt.Sprintf("first stored checkpoint %d above last %d", first, last))
	}
	if count := e.ds.NumStoredCheckpoints(); count > e.maxStoredCheckpoints {
		panic(fmt.Sprintf("%d stored checkpoints exceed the limit %d", count, e.maxStoredCheckpoints))
	}
	// Gaps between stored checkpoints are disallowed.
	for n := first; n <= last; n++ {
		if _, ok := e.ds.GetCheckpointDesc(n); !ok {
			panic(fmt.Sprintf("gap in stored checkpoints at %d (range [%d,%d])", n, first, last))
		}
	}
}

// checkReachableBlocks verifies presence and chain-digest continuity of
// every block up to the last reachable one.
func (e *Engine) checkReachableBlocks(lastReachable uint64) {
	for n := uint64(1); n <= lastReachable; n++ {
		if !e.as.HasBlock(n) {
			panic(fmt.Sprintf("reachable block %d missing", n))
		}
		if n == 1 {
			continue
		}
		prevFromChain, ok := e.as.GetPrevDigestFromBlock(n)
		if !ok {
			panic(fmt.Sprintf("block %d unreadable", n))
		}
		prevBlock, ok := e.as.GetBlock(n - 1)
		if !ok {
			panic(fmt.Sprintf("block %d unreadable", n-1))
		}
		if digest.OfBlock(n-1, prevBlock) != prevFromChain {
			panic(fmt.Sprintf("chain digest mismatch between blocks %d and %d", n-1, n))
		}
	}
}

// checkUnreachableBlocks: when not fetching, nothing may sit above the
// last reachable block.
func (e *Engine) checkUnreachableBlocks(lastReachable, lastBlock uint64) {
	if lastBlock < lastReachable {
		panic(fmt.Sprintf("last block %d below last reachable %d", lastBlock, lastReachable))
	}
	if !e.ds.IsFetching() && lastBlock != lastReachable {
		panic(fmt.Sprintf("blocks above last reachable %d while not fetching (last block %d)",
			lastReachable, lastBlock))
	}
}

// checkBlocksBeingFetchedNow validates the fetch cursors: none are set
// while not fetching; while fetching blocks, the cursor range is ordered,
// starts just above the last reachable block (or every required block is
// already reachable), and ends at the target's last block. The blocks
// already collected inside the range are not inspected.
func (e *Engine) checkBlocksBeingFetchedNow(lastReachable uint64) {
	if !e.ds.IsFetching() {
		if e.ds.FirstRequiredBlock() != 0 || e.ds.LastRequiredBlock() != 0 {
			panic("fetch cursors set while not fetching")
		}
		if _, ok := e.ds.CheckpointBeingFetched(); ok {
			panic("checkpoint being fetched while not fetching")
		}
		return
	}
	firstRequired := e.ds.FirstRequiredBlock()
	lastRequired := e.ds.LastRequiredBlock()
	if lastRequired == 0 {
		return
	}
	if firstRequired == 0 || firstRequired > lastRequired {
		panic(fmt.Sprintf("inconsistent fetch cursors [%d,%d]", firstRequired, lastRequired))
	}
	// The chain is either still at its pre-transfer head, or every required
	// block arrived and only the cursor reset is outstanding.
	if firstRequired != lastReachable+1 && lastReachable != lastRequired {
		panic(fmt.Sprintf("first required block %d does not extend last reachable %d",
			firstRequired, lastReachable))
	}
	target, ok := e.ds.CheckpointBeingFetched()
	if !ok {
		panic("fetch cursors set with no checkpoint being fetched")
	}
	if target.LastBlock != lastRequired {
		panic(fmt.Sprintf("last required block %d does not match target %d",
			lastRequired, target.LastBlock))
	}
}

// checkStoredCheckpoints recomputes each stored checkpoint's
// reserved-pages descriptor digest and, when possible, its last-block
// digest.
func (e *Engine) checkStoredCheckpoints(first, last uint64) {
	for n := first; n <= last; n++ {
		desc, ok := e.ds.GetCheckpointDesc(n)
		if !ok {
			continue
		}
		if desc.CheckpointNum != n {
			panic(fmt.Sprintf("checkpoint descriptor %d stored at %d", desc.CheckpointNum, n))
		}
		entries := e.ds.PagesDescriptor(n, e.numReservedPages)
		if digest.OfPagesDescriptor(entries) != desc.DigestOfResPagesDescriptor {
			panic(fmt.Sprintf("reserved-pages descriptor digest mismatch for checkpoint %d", n))
		}
		if desc.LastBlock > 0 && !e.ds.IsFetching() && e.as.HasBlock(desc.LastBlock) {
			block, ok := e.as.GetBlock(desc.LastBlock)
			if !ok {
				panic(fmt.Sprintf("block %d unreadable", desc.LastBlock))
			}
			if digest.OfBlock(desc.LastBlock, block) != desc.DigestOfLastBlock {
				panic(fmt.Sprintf("last-block digest mismatch for checkpoint %d", n))
			}
		}
	}
}
