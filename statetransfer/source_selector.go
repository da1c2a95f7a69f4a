package statetransfer

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// NoSource means no source replica is currently selected.
const NoSource = uint16(math.MaxUint16)

// sourceSelector tracks the set of replicas still trusted to serve this
// transfer and which of them is the current source. Sources are rotated
// when they stall past the replacement timeout, on rejection, and when
// they are caught sending bad data.
type sourceSelector struct {
	allOtherReplicas   []uint16
	preferredReplicas  map[uint16]struct{}
	currentSource      uint16
	timeOfLastSelect   time.Time
	retransmissions    uint32
	replacementTimeout time.Duration
	rnd                *rand.Rand
}

func newSourceSelector(allOtherReplicas []uint16, replacementTimeout time.Duration, seed int64) *sourceSelector {
	s := &sourceSelector{
		allOtherReplicas:   append([]uint16{}, allOtherReplicas...),
		preferredReplicas:  make(map[uint16]struct{}),
		currentSource:      NoSource,
		replacementTimeout: replacementTimeout,
		rnd:                rand.New(rand.NewSource(seed)),
	}
	s.reseed()
	return s
}

func (s *sourceSelector) reseed() {
	for _, r := range s.allOtherReplicas {
		s.preferredReplicas[r] = struct{}{}
	}
}

func (s *sourceSelector) hasSource() bool { return s.currentSource != NoSource }

// shouldReplace reports whether the current source is due for rotation:
// none selected yet, or no useful data for longer than the replacement
// timeout.
func (s *sourceSelector) shouldReplace(now time.Time) bool {
	if s.currentSource == NoSource {
		return true
	}
	return now.Sub(s.timeOfLastSelect) >= s.replacementTimeout
}

// selectSource rotates to a pseudo-randomly chosen preferred replica,
// avoiding the current one when there is a choice, and resets the
// retransmission counter.
func (s *sourceSelector) selectSource(now time.Time) uint16 {
	candidates := make([]uint16, 0, len(s.preferredReplicas))
	for r := range s.preferredReplicas {
		if r == s.currentSource && len(s.preferredReplicas) > 1 {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		s.reseed()
		for r := range s.preferredReplicas {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	s.currentSource = candidates[s.rnd.Intn(len(candidates))]
	s.timeOfLastSelect = now
	s.retransmissions = 0
	return s.currentSource
}

// markBad removes a replica from the preferred set. When the set drains
// completely the selection process restarts with all other replicas.
func (s *sourceSelector) markBad(replicaID uint16) {
	delete(s.preferredReplicas, replicaID)
	if replicaID == s.currentSource {
		s.currentSource = NoSource
	}
	if len(s.preferredReplicas) == 0 {
		s.reseed()
	}
}

// onReceivedValidBlock resets the stall clock for the current source.
func (s *sourceSelector) onReceivedValidBlock(now time.Time) {
	s.timeOfLastSelect = now
	s.retransmissions = 0
}

func (s *sourceSelector) isCurrentSource(replicaID uint16) bool {
	return s.currentSource != NoSource && s.currentSource == replicaID
}

func (s *sourceSelector) onRetransmission() { s.retransmissions++ }

// forceReplace drops the current source without blacklisting it. The next
// selection draws from the whole preferred set, so it may pick the dropped
// replica again.
func (s *sourceSelector) forceReplace() {
	s.currentSource = NoSource
	s.retransmissions = 0
}

// reset drops the current source and restores the full preferred set.
func (s *sourceSelector) reset() {
	s.currentSource = NoSource
	s.retransmissions = 0
	s.preferredReplicas = make(map[uint16]struct{})
	s.reseed()
}

func (s *sourceSelector) preferredString() string {
	ids := make([]uint16, 0, len(s.preferredReplicas))
	for r := range s.preferredReplicas {
		ids = append(ids, r)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, r := range ids {
		parts[i] = fmt.Sprintf("%d", r)
	}
	return strings.Join(parts, ",")
}
