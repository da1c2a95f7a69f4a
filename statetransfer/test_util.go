package statetransfer

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/bftengine/bcst/config"
	"github.com/bftengine/bcst/datastore"
	"github.com/bftengine/bcst/digest"
	"github.com/bftengine/bcst/libs/log"
	"github.com/bftengine/bcst/wire"
)

// ---------------------------------------------------------------------------
// metrics recorder

type metricsRecorder struct {
	mtx    sync.Mutex
	counts map[string]float64
	gauges map[string]float64
}

func newMetricsRecorder() *metricsRecorder {
	return &metricsRecorder{counts: make(map[string]float64), gauges: make(map[string]float64)}
}

func (r *metricsRecorder) count(name string, labels ...string) float64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.counts[strings.Join(append([]string{name}, labels...), ":")]
}

type recCounter struct {
	r    *metricsRecorder
	name string
}

func (c recCounter) With(labelValues ...string) metrics.Counter {
	return recCounter{r: c.r, name: strings.Join(append([]string{c.name}, labelValues...), ":")}
}

func (c recCounter) Add(delta float64) {
	c.r.mtx.Lock()
	defer c.r.mtx.Unlock()
	c.r.counts[c.name] += delta
}

type recGauge struct {
	r    *metricsRecorder
	name string
}

func (g recGauge) With(labelValues ...string) metrics.Gauge {
	return recGauge{r: g.r, name: strings.Join(append([]string{g.name}, labelValues...), ":")}
}

func (g recGauge) Set(v float64) {
	g.r.mtx.Lock()
	defer g.r.mtx.Unlock()
	g.r.gauges[g.name] = v
}

func (g recGauge) Add(delta float64) {
	g.r.mtx.Lock()
	defer g.r.mtx.Unlock()
	g.r.gauges[g.name] += delta
}

func recordingMetrics(r *metricsRecorder) *Metrics {
	m := NopMetrics()
	m.FetchingState = recGauge{r, "fetching_state"}
	m.LastStoredCheckpoint = recGauge{r, "last_stored_checkpoint"}
	m.NextRequiredBlock = recGauge{r, "next_required_block"}
	m.CurrentSourceReplica = recGauge{r, "current_source_replica"}
	m.NumPendingItemDataMsgs = recGauge{r, "num_pending_item_data_msgs"}
	m.TotalSizeOfPendingItemDataMsgs = recGauge{r, "total_size_of_pending_item_data_msgs"}
	m.CheckpointBeingFetched = recGauge{r, "checkpoint_being_fetched"}
	m.LastBlock = recGauge{r, "last_block"}
	m.LastReachableBlock = recGauge{r, "last_reachable_block"}
	m.SentMsg = recCounter{r, "sent_msg"}
	m.ReceivedMsg = recCounter{r, "received_msg"}
	m.InvalidMsg = recCounter{r, "invalid_msg"}
	m.IrrelevantMsg = recCounter{r, "irrelevant_msg"}
	m.ReceivedIllegalMsg = recCounter{r, "received_illegal_msg"}
	m.OnTransferringComplete = recCounter{r, "on_transferring_complete"}
	m.OverallBlocksCollected = recCounter{r, "overall_blocks_collected"}
	m.OverallBytesCollected = recCounter{r, "overall_bytes_collected"}
	return m
}

// ---------------------------------------------------------------------------
// fake application state

type fakeAppState struct {
	mtx    sync.Mutex
	blocks map[uint64][]byte
}

func newFakeAppState() *fakeAppState {
	return &fakeAppState{blocks: make(map[uint64][]byte)}
}

func (a *fakeAppState) GetLastReachableBlockNum() uint64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var n uint64
	for a.blocks[n+1] != nil {
		n++
	}
	return n
}

func (a *fakeAppState) GetLastBlockNum() uint64 {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var max uint64
	for n := range a.blocks {
		if n > max {
			max = n
		}
	}
	return max
}

func (a *fakeAppState) HasBlock(blockNum uint64) bool {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.blocks[blockNum] != nil
}

func (a *fakeAppState) GetBlock(blockNum uint64) ([]byte, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	block, ok := a.blocks[blockNum]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(block))
	copy(out, block)
	return out, true
}

func (a *fakeAppState) GetPrevDigestFromBlock(blockNum uint64) (digest.Digest, bool) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	block, ok := a.blocks[blockNum]
	if !ok || len(block) < digest.Size {
		return digest.Digest{}, false
	}
	d, err := digest.FromBytes(block[:digest.Size])
	if err != nil {
		return digest.Digest{}, false
	}
	return d, true
}

func (a *fakeAppState) PutBlock(blockNum uint64, block []byte) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	stored := make([]byte, len(block))
	copy(stored, block)
	a.blocks[blockNum] = stored
	return nil
}

// makeChain builds a hash chain of n blocks: each block embeds the digest
// of its predecessor in its first bytes.
func makeChain(n uint64) map[uint64][]byte {
	blocks := make(map[uint64][]byte, n)
	var prev digest.Digest
	for i := uint64(1); i <= n; i++ {
		block := make([]byte, digest.Size+48)
		copy(block, prev[:])
		copy(block[digest.Size:], []byte{byte(i), byte(i >> 8), 0xfe})
		blocks[i] = block
		prev = digest.OfBlock(i, block)
	}
	return blocks
}

func (a *fakeAppState) preload(blocks map[uint64][]byte, from, to uint64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	for n := from; n <= to; n++ {
		a.blocks[n] = blocks[n]
	}
}

// ---------------------------------------------------------------------------
// in-process network

type envelope struct {
	from, to uint16
	bz       []byte
}

// testNetwork delivers messages between engines synchronously in FIFO
// order from the test goroutine, which keeps scenarios deterministic.
type testNetwork struct {
	mtx     sync.Mutex
	engines map[uint16]*Engine
	queue   []envelope
	history []envelope
	// tamper may mutate an envelope before delivery; returning false drops
	// it.
	tamper func(*envelope) bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{engines: make(map[uint16]*Engine)}
}

func (n *testNetwork) enqueue(env envelope) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.queue = append(n.queue, env)
	n.history = append(n.history, env)
}

func (n *testNetwork) pop() (envelope, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if len(n.queue) == 0 {
		return envelope{}, false
	}
	env := n.queue[0]
	n.queue = n.queue[1:]
	return env, true
}

// pump delivers queued messages until the network is quiet.
func (n *testNetwork) pump(t *testing.T, maxSteps int) {
	t.Helper()
	for steps := 0; ; steps++ {
		require.Less(t, steps, maxSteps, "network did not quiesce")
		env, ok := n.pop()
		if !ok {
			return
		}
		if n.tamper != nil && !n.tamper(&env) {
			continue
		}
		dest, ok := n.engines[env.to]
		if !ok {
			continue
		}
		dest.handleMessage(env.bz, env.from)
	}
}

// sentByType returns the messages of one type sent by a replica, in order.
func (n *testNetwork) sentByType(from uint16, msgType wire.MsgType) []envelope {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	var out []envelope
	for _, env := range n.history {
		if env.from != from {
			continue
		}
		m, err := wire.Decode(env.bz)
		if err == nil && m.Type() == msgType {
			out = append(out, env)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// test replica (transport + completion recorder)

type testReplica struct {
	mtx         sync.Mutex
	id          uint16
	net         *testNetwork
	completions []uint64
	timerPeriod time.Duration
}

func (r *testReplica) SendStateTransferMessage(msg []byte, dest uint16) {
	bz := make([]byte, len(msg))
	copy(bz, msg)
	r.net.enqueue(envelope{from: r.id, to: dest, bz: bz})
}

func (r *testReplica) ChangeStateTransferTimerPeriod(period time.Duration) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.timerPeriod = period
}

func (r *testReplica) OnTransferringComplete(checkpointNum uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.completions = append(r.completions, checkpointNum)
}

func (r *testReplica) completed() []uint64 {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]uint64{}, r.completions...)
}

// ---------------------------------------------------------------------------
// engine harness

const (
	testNumPages = 4
	testPageSize = 32
)

func testConfig(id uint16) config.Config {
	cfg := config.DefaultConfig()
	cfg.MyReplicaID = id
	cfg.MaxBlockSize = 1024
	cfg.MaxChunkSize = 64
	cfg.MaxNumberOfChunksInBatch = 16
	cfg.SizeOfReservedPage = testPageSize
	return cfg
}

type testEngine struct {
	engine  *Engine
	as      *fakeAppState
	store   *datastore.Store
	replica *testReplica
	rec     *metricsRecorder
}

func newTestEngine(t *testing.T, id uint16, net *testNetwork) *testEngine {
	t.Helper()
	as := newFakeAppState()
	store := datastore.New(dbm.NewMemDB())
	rec := newMetricsRecorder()
	engine, err := New(testConfig(id), log.TestingLogger(t), as, store, recordingMetrics(rec))
	require.NoError(t, err)
	require.NoError(t, engine.Init(10, testNumPages, testPageSize))
	replica := &testReplica{id: id, net: net}
	net.engines[id] = engine
	return &testEngine{engine: engine, as: as, store: store, replica: replica, rec: rec}
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	require.NoError(t, te.engine.StartRunning(te.replica))
	t.Cleanup(func() {
		if te.engine.IsRunning() {
			require.NoError(t, te.engine.StopRunning())
		}
	})
}

// newSourceEngine builds a replica holding the full chain and a stored
// checkpoint over it.
func newSourceEngine(t *testing.T, id uint16, net *testNetwork, chain map[uint64][]byte, checkpointNum uint64) *testEngine {
	t.Helper()
	te := newTestEngine(t, id, net)
	te.as.preload(chain, 1, uint64(len(chain)))
	for pageID := uint32(0); pageID < testNumPages; pageID++ {
		page := make([]byte, testPageSize)
		page[0] = byte(pageID + 1)
		require.NoError(t, te.engine.SaveReservedPage(pageID, page))
	}
	require.NoError(t, te.engine.CreateCheckpointOfCurrentState(checkpointNum))
	te.start(t)
	return te
}

// seqGen produces valid strictly-increasing message sequence numbers for
// hand-crafted messages.
type seqGen struct{ count uint64 }

func (g *seqGen) next() uint64 {
	g.count++
	return uint64(time.Now().UnixMilli())<<msgSeqNumCounterBits | (g.count & 0xffff)
}
