package network

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpay/witness/internal/coin"
	"github.com/meshpay/witness/internal/wallet"
	"github.com/meshpay/witness/internal/witness"
)

func testNetworkConfig() Config {
	cfg := DefaultConfig()
	cfg.Agent = witness.Config{
		SeenSetBits:          1 << 16,
		SeenSetHashes:        5,
		RecentCacheCap:       1000,
		MaxFailuresBeforeBan: 5,
	}
	return cfg
}

func newTestNetwork(t *testing.T, coinsPerAgent int) *Network {
	t.Helper()
	n, err := New(testNetworkConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, n.Initialize(coinsPerAgent))
	return n
}

// drain pulls every event already delivered to the channel.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventNames(events []Event) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Name()
	}
	return names
}

func findEvent(events []Event, name string) (Event, bool) {
	for _, ev := range events {
		if ev.Name() == name {
			return ev, true
		}
	}
	return nil, false
}

func TestInitialize(t *testing.T) {
	n, err := New(testNetworkConfig(), nil)
	require.NoError(t, err)
	events := n.Bus().Subscribe()

	require.NoError(t, n.Initialize(2))
	assert.Equal(t, 5, n.AgentCount())
	assert.Equal(t, 5, n.PeerCount())

	a0, ok := n.Agent(0)
	require.True(t, ok)
	assert.Equal(t, 100.0, a0.Reputation().Score())

	for i := 1; i < 5; i++ {
		a, ok := n.Agent(i)
		require.True(t, ok)
		score := a.Reputation().Score()
		assert.GreaterOrEqual(t, score, 60.0)
		assert.LessOrEqual(t, score, 100.0)
		successful, failed := a.Reputation().Counts()
		assert.LessOrEqual(t, successful+failed, uint64(50))

		assert.Equal(t, 2, a.Wallet().CoinCount())
		for _, c := range a.Wallet().Coins() {
			assert.GreaterOrEqual(t, c.Value, int64(1))
			assert.LessOrEqual(t, c.Value, int64(10))
		}
	}

	got := drain(events)
	_, found := findEvent(got, "network:initialized")
	assert.True(t, found, "events: %v", eventNames(got))

	assert.Error(t, n.Initialize(1), "double initialization must fail")
}

func TestTransferCoin_HappyPath(t *testing.T) {
	n := newTestNetwork(t, 1)
	events := n.Bus().Subscribe()

	a0, _ := n.Agent(0)
	a1, _ := n.Agent(1)
	transferred, ok := a0.Wallet().Coin(0)
	require.True(t, ok)

	outcome, err := n.TransferCoin(0, 1, 0)
	require.NoError(t, err)
	require.True(t, outcome.Success, "reason: %s", outcome.Reason)

	assert.Equal(t, 0, a0.Wallet().CoinCount())
	assert.Equal(t, 2, a1.Wallet().CoinCount())
	assert.Equal(t, a1.Wallet().ID(), transferred.OwnerID)
	assert.Len(t, transferred.History, 1)
	assert.True(t, transferred.VerifyIntegrity())
	assert.Equal(t, 0, n.PendingCount())

	got := drain(events)
	ev, found := findEvent(got, "transaction:confirmed")
	require.True(t, found, "events: %v", eventNames(got))
	confirmed := ev.(TransactionConfirmed)
	assert.Equal(t, transferred.ID, confirmed.CoinID)
	assert.Len(t, confirmed.Witnesses, 3)

	// Every selected witness remembers the coin.
	for _, id := range confirmed.Witnesses {
		w, ok := n.Agent(id)
		require.True(t, ok)
		assert.True(t, w.HasSeen(transferred.ID), "witness %d", id)
		assert.NotContains(t, []int{0, 1}, id, "sender and recipient are excluded")
	}
}

func TestTransferCoin_InputValidation(t *testing.T) {
	n := newTestNetwork(t, 1)

	_, err := n.TransferCoin(0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidAgentIDs)
	_, err = n.TransferCoin(-1, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidAgentIDs)
	_, err = n.TransferCoin(0, 99, 0)
	assert.ErrorIs(t, err, ErrInvalidAgentIDs)
	_, err = n.TransferCoin(0, 1, 42)
	assert.ErrorIs(t, err, ErrCoinNotFound)

	empty, err := New(testNetworkConfig(), nil)
	require.NoError(t, err)
	_, err = empty.TransferCoin(0, 1, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSimulateDoubleSpend(t *testing.T) {
	n := newTestNetwork(t, 1)
	events := n.Bus().Subscribe()

	a0, _ := n.Agent(0)
	a2, _ := n.Agent(2)
	before := a2.Wallet().CoinCount()

	first, second, err := n.SimulateDoubleSpend(0, 0)
	require.NoError(t, err)
	require.True(t, first.Success, "reason: %s", first.Reason)
	require.False(t, second.Success)
	assert.Contains(t, second.Reason, "double-spend")

	// The forged copy went nowhere and did not stay behind.
	assert.Equal(t, before, a2.Wallet().CoinCount())
	assert.Equal(t, 0, a0.Wallet().CoinCount())

	got := drain(events)
	ev, found := findEvent(got, "transaction:invalid")
	require.True(t, found, "events: %v", eventNames(got))
	assert.Contains(t, ev.(TransactionInvalid).Reason, "double-spend")

	// At least one witness caught it, and that witness bumped the sender's
	// failure counter.
	var caught bool
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		if a.Stats().DoubleSpendsPrevented > 0 {
			caught = true
			assert.Greater(t, a.FailureCount(a0.Wallet().ID()), 0)
		}
	}
	assert.True(t, caught)
}

func TestTransferCoin_ZeroValueAttack(t *testing.T) {
	n := newTestNetwork(t, 1)
	events := n.Bus().Subscribe()

	a3, _ := n.Agent(3)
	a4, _ := n.Agent(4)
	target, ok := a3.Wallet().Coin(0)
	require.True(t, ok)
	// The attacker zeroes the value and recomputes the hash so integrity
	// alone cannot catch it.
	target.Value = 0
	target.UpdateHash()

	outcome, err := n.TransferCoin(3, 4, 0)
	require.NoError(t, err)
	require.False(t, outcome.Success)
	assert.Equal(t, "zero or negative value coin detected", outcome.Reason)

	// No ownership change, and the coin is rolled back to the sender.
	assert.Equal(t, 1, a4.Wallet().CoinCount())
	assert.Equal(t, 1, a3.Wallet().CoinCount())
	assert.Equal(t, a3.Wallet().ID(), target.OwnerID)

	got := drain(events)
	ev, found := findEvent(got, "transaction:invalid")
	require.True(t, found)
	assert.Equal(t, "zero or negative value coin detected", ev.(TransactionInvalid).Reason)

	var prevented uint64
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		prevented += a.Stats().ZeroBalancePrevented
	}
	assert.GreaterOrEqual(t, prevented, uint64(1))
}

func TestReputationDrift(t *testing.T) {
	n := newTestNetwork(t, 0)

	// Level the field: everyone starts pristine.
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		a.Reputation().SeedSynthetic(100, 0, 0)
	}

	malicious, _ := n.Agent(0)
	for i := 0; i < 30; i++ {
		forged, err := coin.New(malicious.Wallet().ID(), 1)
		require.NoError(t, err)
		forged.Value = 0
		forged.UpdateHash()
		require.NoError(t, malicious.Wallet().AddCoin(forged))

		outcome, err := n.TransferCoin(0, 1, malicious.Wallet().CoinCount()-1)
		require.NoError(t, err)
		require.False(t, outcome.Success, "forged transfer %d must be rejected", i)
	}

	assert.Less(t, malicious.Reputation().Score(), 50.0)
	for i := 1; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		assert.Greater(t, a.Reputation().Score(), 80.0, "agent %d", i)
	}
}

func TestRetryExhaustion(t *testing.T) {
	n := newTestNetwork(t, 1)
	events := n.Bus().Subscribe()

	a0, _ := n.Agent(0)
	senderID := a0.Wallet().ID()

	// The directory loses the sender's key everywhere: local caches and the
	// shared directory. Stage 10 now fails transiently for every witness.
	n.directory.Unregister(senderID)
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		a.ForgetPublicKey(senderID)
	}

	outcome, err := n.TransferCoin(0, 1, 0)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Pending)
	assert.Equal(t, 1, n.PendingCount())
	assert.Equal(t, 0, a0.Wallet().CoinCount(), "coin is in flight")

	// Drive the retry sweep by hand: three retries, then the purge.
	for i := 0; i < n.cfg.MaxRetries; i++ {
		n.retrySweep()
		assert.Equal(t, 1, n.PendingCount())
	}
	n.retrySweep()
	assert.Equal(t, 0, n.PendingCount())

	got := drain(events)
	ev, found := findEvent(got, "transaction:failed")
	require.True(t, found, "events: %v", eventNames(got))
	assert.Equal(t, "max retries exceeded", ev.(TransactionFailed).Reason)

	// The coin came home.
	assert.Equal(t, 1, a0.Wallet().CoinCount())

	// No witness advanced the sender's failure counter for a directory miss.
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		assert.Equal(t, 0, a.FailureCount(senderID))
	}
}

func TestRetrySweep_PurgesTerminallyFailed(t *testing.T) {
	n := newTestNetwork(t, 1)

	a3, _ := n.Agent(3)
	target, _ := a3.Wallet().Coin(0)
	target.Value = 0
	target.UpdateHash()

	outcome, err := n.TransferCoin(3, 4, 0)
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, 1, n.PendingCount(), "failed transactions linger for stats")

	coinsBefore := a3.Wallet().CoinCount()
	for i := 0; i <= n.cfg.MaxRetries; i++ {
		n.retrySweep()
	}
	assert.Equal(t, 0, n.PendingCount())
	// Already rolled back at rejection time; the purge must not duplicate it.
	assert.Equal(t, coinsBefore, a3.Wallet().CoinCount())
}

func TestSubmitIntent_ExternalSender(t *testing.T) {
	n := newTestNetwork(t, 0)

	outsider, err := wallet.New()
	require.NoError(t, err)
	c, err := coin.New(outsider.ID(), 3)
	require.NoError(t, err)
	require.NoError(t, outsider.AddCoin(c))

	// The outsider's key is published in the shared directory only; the
	// witnesses fall back to it through the breaker.
	n.directory.Register(outsider.ID(), outsider.PublicKeyPEM())

	a1, _ := n.Agent(1)
	intent, err := outsider.TransferCoin(0, a1.Wallet().ID())
	require.NoError(t, err)

	outcome, err := n.SubmitIntent(intent)
	require.NoError(t, err)
	assert.True(t, outcome.Success, "reason: %s", outcome.Reason)
	assert.Equal(t, 1, a1.Wallet().CoinCount())
}

func TestSnapshot(t *testing.T) {
	n := newTestNetwork(t, 1)

	outcome, err := n.TransferCoin(0, 1, 0)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	stats := n.Snapshot()
	assert.Equal(t, "main", stats.NetworkID)
	assert.Equal(t, 5, stats.AgentCount)
	assert.Equal(t, uint64(1), stats.Confirmed)
	assert.Len(t, stats.Scores, 5)
}

func TestShutdown_PersistsAgents(t *testing.T) {
	cfg := testNetworkConfig()
	cfg.DataDir = t.TempDir()
	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Initialize(1))
	require.NoError(t, n.Start())

	events := n.Bus().Subscribe()
	require.NoError(t, n.Shutdown(context.Background()))

	store, err := witness.NewFileStateStore(cfg.DataDir)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		snap, err := store.LoadState(i)
		require.NoError(t, err, "agent %d state missing", i)
		assert.Equal(t, i, snap.ID)
	}

	got := drain(events)
	_, found := findEvent(got, "network:shutdown")
	assert.True(t, found, "events: %v", eventNames(got))
}

func TestRateLimit(t *testing.T) {
	cfg := testNetworkConfig()
	cfg.RateLimit.TransfersPerSecond = 1
	cfg.RateLimit.Burst = 2
	n, err := New(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, n.Initialize(5))

	var limited bool
	for i := 0; i < 5; i++ {
		_, err := n.TransferCoin(0, 1, 0)
		if err != nil {
			assert.ErrorIs(t, err, ErrRateLimited)
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of 2 must not admit 5 transfers")
}

func TestPeerLifecycle(t *testing.T) {
	cfg := testNetworkConfig()
	cfg.PeerTimeout = 0 // everything is instantly stale
	n, err := New(cfg, nil)
	require.NoError(t, err)
	events := n.Bus().Subscribe()

	n.AddPeer("peer-a", "inproc://a")
	n.AddPeer("peer-a", "inproc://a")
	n.TouchPeer("peer-a")
	require.Equal(t, 1, n.PeerCount())

	n.sweepStalePeers()
	assert.Equal(t, 0, n.PeerCount())

	names := eventNames(drain(events))
	assert.Contains(t, names, "peer:connected")
	assert.Contains(t, names, "peer:updated")
	assert.Contains(t, names, "peer:disconnect")
}

func TestRetriesNeverRepollWitnesses(t *testing.T) {
	n := newTestNetwork(t, 1)

	a0, _ := n.Agent(0)
	senderID := a0.Wallet().ID()
	n.directory.Unregister(senderID)
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		a.ForgetPublicKey(senderID)
	}

	_, err := n.TransferCoin(0, 1, 0)
	require.NoError(t, err)
	n.retrySweep()
	n.retrySweep()

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.pending, 1)
	for _, rec := range n.pending {
		seen := make(map[int]bool)
		for _, id := range rec.WitnessesTried {
			assert.False(t, seen[id], "witness %d polled twice", id)
			seen[id] = true
		}
	}
}

func TestTransferredValueConserved(t *testing.T) {
	n := newTestNetwork(t, 3)

	var totalBefore int64
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		totalBefore += a.Wallet().Balance()
	}

	for i := 0; i < 10; i++ {
		from := i % n.AgentCount()
		to := (i + 1) % n.AgentCount()
		fromAgent, _ := n.Agent(from)
		if fromAgent.Wallet().CoinCount() == 0 {
			continue
		}
		_, err := n.TransferCoin(from, to, 0)
		require.NoError(t, err)
	}

	var totalAfter int64
	for i := 0; i < n.AgentCount(); i++ {
		a, _ := n.Agent(i)
		totalAfter += a.Wallet().Balance()
	}
	assert.Equal(t, totalBefore, totalAfter)
}

func TestTransactionIDDeterministic(t *testing.T) {
	w, err := wallet.New()
	require.NoError(t, err)
	c, err := coin.New(w.ID(), 2)
	require.NoError(t, err)

	intent := &wallet.TransferIntent{Coin: c, Sender: w.ID(), Recipient: "r", Timestamp: 42, Signature: "sig"}
	other := &wallet.TransferIntent{Coin: c, Sender: w.ID(), Recipient: "r", Timestamp: 42, Signature: "sig"}
	assert.Equal(t, transactionID(intent), transactionID(other))

	other.Timestamp = 43
	assert.NotEqual(t, transactionID(intent), transactionID(other))
}

func TestTransferOutcomeReasons(t *testing.T) {
	n := newTestNetwork(t, 1)

	a0, _ := n.Agent(0)
	target, _ := a0.Wallet().Coin(0)
	target.Freeze()

	outcome, err := n.TransferCoin(0, 1, 0)
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Equal(t, fmt.Sprintf("coin status is %s, not active", coin.StatusFrozen), outcome.Reason)
}
