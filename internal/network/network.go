// Package network orchestrates transfers across a roster of witness agents:
// reputation-weighted committee selection, quorum accounting, retries for
// transactions stalled on witness-side unavailability, peer liveness, and a
// typed event stream for observers.
package network

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/meshpay/witness/internal/coin"
	"github.com/meshpay/witness/internal/wallet"
	"github.com/meshpay/witness/internal/witness"
)

var (
	ErrNotInitialized  = errors.New("network not initialized")
	ErrInvalidAgentIDs = errors.New("invalid agent IDs")
	ErrCoinNotFound    = errors.New("coin not found")
	ErrRateLimited     = errors.New("transfer rate limit exceeded")
)

// Config tunes the orchestrator.
type Config struct {
	NumAgents         int           `json:"num_agents"`
	RequiredWitnesses int           `json:"required_witnesses"`
	PeerTimeout       time.Duration `json:"peer_timeout"`
	MaxRetries        int           `json:"max_retries"`
	NetworkID         string        `json:"network_id"`
	DataDir           string        `json:"data_dir"`
	PeerSweepInterval time.Duration `json:"peer_sweep_interval"`
	RetryInterval     time.Duration `json:"retry_interval"`
	StatsInterval     time.Duration `json:"stats_interval"`
	RateLimit         struct {
		TransfersPerSecond float64 `json:"transfers_per_second"`
		Burst              int64   `json:"burst"`
	} `json:"rate_limit"`
	Agent witness.Config `json:"agent"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	cfg := Config{
		NumAgents:         5,
		RequiredWitnesses: 3,
		PeerTimeout:       30 * time.Second,
		MaxRetries:        3,
		NetworkID:         "main",
		PeerSweepInterval: 60 * time.Second,
		RetryInterval:     15 * time.Second,
		StatsInterval:     5 * time.Minute,
		Agent:             witness.DefaultConfig(),
	}
	cfg.RateLimit.TransfersPerSecond = 100
	cfg.RateLimit.Burst = 200
	return cfg
}

// TransferOutcome reports what happened to a submitted transfer.
type TransferOutcome struct {
	Success bool   `json:"success"`
	Pending bool   `json:"pending,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

const statusFailed = "failed"

// pendingTransaction is the orchestrator's record of an in-flight transfer.
type pendingTransaction struct {
	TxID           string
	Intent         *wallet.TransferIntent
	WitnessesTried []int
	Validations    []witness.ValidationResult
	Timestamp      int64
	Retries        int
	Status         string
	FailReason     string
	rolledBack     bool
}

// Network drives transactions through the witness quorum.
type Network struct {
	cfg    Config
	logger *slog.Logger
	bus    *Bus

	mu            sync.Mutex
	agents        []*witness.Agent
	agentByWallet map[string]int
	peers         map[string]*PeerState
	pending       map[string]*pendingTransaction
	directory     *witness.MapDirectory
	stateStore    witness.StateStore
	confirmed     uint64
	failed        uint64

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	shutdown chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
}

// New creates an empty network; Initialize builds the roster.
func New(cfg Config, logger *slog.Logger) (*Network, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Network{
		cfg:           cfg,
		logger:        logger.With("component", "network", "network_id", cfg.NetworkID),
		bus:           NewBus(logger),
		agentByWallet: make(map[string]int),
		peers:         make(map[string]*PeerState),
		pending:       make(map[string]*pendingTransaction),
		directory:     witness.NewMapDirectory(),
		shutdown:      make(chan struct{}),
	}
	if cfg.DataDir != "" {
		storeDir, err := witness.NewFileStateStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		n.stateStore = storeDir
	}
	if cfg.RateLimit.TransfersPerSecond > 0 {
		n.limiterStore = store.NewMemoryStore(time.Minute)
		n.limiter, _ = limiter.NewTokenBucket(
			limiter.Config{
				Rate:     int64(cfg.RateLimit.TransfersPerSecond),
				Duration: time.Second,
				Burst:    cfg.RateLimit.Burst,
			},
			n.limiterStore,
		)
	}
	return n, nil
}

// Bus exposes the event stream.
func (n *Network) Bus() *Bus { return n.bus }

// Agent returns the roster entry at index.
func (n *Network) Agent(idx int) (*witness.Agent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if idx < 0 || idx >= len(n.agents) {
		return nil, false
	}
	return n.agents[idx], true
}

// AgentCount returns the roster size.
func (n *Network) AgentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.agents)
}

// PendingCount returns the number of in-flight transactions.
func (n *Network) PendingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Initialize builds the roster: agent 0 starts at score 100, the rest with a
// plausible synthetic track record in [60,100]; every agent is seeded with
// coins and every public key is registered with every directory cache.
func (n *Network) Initialize(coinsPerAgent int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.agents) > 0 {
		return errors.New("network already initialized")
	}

	external := witness.NewBreakerDirectory(n.directory)
	for i := 0; i < n.cfg.NumAgents; i++ {
		a, err := witness.NewAgent(i, n.cfg.Agent, external, n.logger)
		if err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if i > 0 {
			score := 60 + rand.Float64()*40
			successful := uint64(50 * score / 100)
			failed := uint64(50 * (1 - score/100))
			a.Reputation().SeedSynthetic(score, successful, failed)
		}
		if n.stateStore != nil {
			if snap, err := n.stateStore.LoadState(i); err == nil {
				if err := a.Restore(snap); err != nil {
					n.logger.Warn("agent state restore failed", "agent_id", i, "error", err)
				}
			}
		}
		n.agents = append(n.agents, a)
		n.agentByWallet[a.Wallet().ID()] = i
		n.directory.Register(a.Wallet().ID(), a.Wallet().PublicKeyPEM())
	}

	// Cross-register every key with every agent's local cache.
	for _, a := range n.agents {
		for _, other := range n.agents {
			a.RegisterPublicKey(other.Wallet().ID(), other.Wallet().PublicKeyPEM())
		}
	}

	// Seed holdings.
	for _, a := range n.agents {
		for c := 0; c < coinsPerAgent; c++ {
			value := rand.Int63n(10) + 1
			minted, err := coin.New(a.Wallet().ID(), value)
			if err != nil {
				return err
			}
			if err := a.Wallet().AddCoin(minted); err != nil {
				return err
			}
		}
	}

	for i, a := range n.agents {
		n.registerPeerLocked(a.Wallet().ID(), fmt.Sprintf("inproc://agent-%d", i))
	}

	n.bus.Publish(NetworkInitialized{
		NetworkID:         n.cfg.NetworkID,
		AgentCount:        len(n.agents),
		RequiredWitnesses: n.cfg.RequiredWitnesses,
		Timestamp:         time.Now().UnixMilli(),
	})
	n.logger.Info("network initialized",
		"agents", len(n.agents), "coins_per_agent", coinsPerAgent)
	return nil
}

// registerPeerLocked adds a peer without re-locking; caller holds n.mu.
func (n *Network) registerPeerLocked(peerID, address string) {
	now := time.Now()
	n.peers[peerID] = &PeerState{
		ID:          peerID,
		Address:     address,
		LastSeen:    now,
		Status:      PeerOnline,
		ConnectedAt: now,
	}
	n.bus.Publish(PeerConnected{PeerID: peerID, Address: address, Timestamp: now.UnixMilli()})
}

// Start launches the background sweeps.
func (n *Network) Start() error {
	if n.running.Load() {
		return errors.New("network already running")
	}
	n.running.Store(true)

	n.wg.Add(3)
	go n.loop(n.cfg.PeerSweepInterval, n.sweepStalePeers)
	go n.loop(n.cfg.RetryInterval, n.retrySweep)
	go n.loop(n.cfg.StatsInterval, n.statsSweep)

	n.logger.Info("network started")
	return nil
}

func (n *Network) loop(interval time.Duration, fn func()) {
	defer n.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-n.shutdown:
			return
		}
	}
}

// Shutdown stops the sweeps, persists every agent, and closes the bus.
func (n *Network) Shutdown(ctx context.Context) error {
	if n.running.Swap(false) {
		close(n.shutdown)
		n.wg.Wait()
	}

	n.persistAgents()
	n.bus.Publish(NetworkShutdown{
		NetworkID: n.cfg.NetworkID,
		Timestamp: time.Now().UnixMilli(),
	})
	n.bus.Close()
	n.logger.Info("network shut down")
	return ctx.Err()
}

// TransferCoin moves the coin at coinIdx in agent fromIdx's wallet to agent
// toIdx, driving the full quorum protocol. On terminal failure the coin is
// returned to the sender's wallet.
func (n *Network) TransferCoin(fromIdx, toIdx, coinIdx int) (*TransferOutcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.agents) == 0 {
		return nil, ErrNotInitialized
	}
	if fromIdx < 0 || fromIdx >= len(n.agents) || toIdx < 0 || toIdx >= len(n.agents) || fromIdx == toIdx {
		return nil, ErrInvalidAgentIDs
	}

	sender := n.agents[fromIdx].Wallet()
	recipient := n.agents[toIdx].Wallet()

	if n.limiter != nil && !n.limiter.Allow(sender.ID()) {
		return nil, ErrRateLimited
	}

	intent, err := sender.TransferCoin(coinIdx, recipient.ID())
	if err != nil {
		if errors.Is(err, wallet.ErrNoSuchCoin) {
			return nil, ErrCoinNotFound
		}
		return nil, err
	}

	rec := n.registerLocked(intent)
	n.processLocked(rec)
	return n.outcomeLocked(rec), nil
}

// SubmitIntent drives an externally built transfer intent through the quorum.
// The double-spend simulation and remote senders use this path.
func (n *Network) SubmitIntent(intent *wallet.TransferIntent) (*TransferOutcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.agents) == 0 {
		return nil, ErrNotInitialized
	}
	rec := n.registerLocked(intent)
	n.processLocked(rec)
	return n.outcomeLocked(rec), nil
}

// transactionID derives the pending-set key for an intent.
func transactionID(t *wallet.TransferIntent) string {
	payload := fmt.Sprintf("%s-%s-%s-%d", t.Coin.ID, t.Sender, t.Recipient, t.Timestamp)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// registerLocked inserts a fresh pending record, or returns the existing one
// for a resubmitted intent. Caller holds n.mu.
func (n *Network) registerLocked(intent *wallet.TransferIntent) *pendingTransaction {
	txID := transactionID(intent)
	if rec, ok := n.pending[txID]; ok {
		return rec
	}
	rec := &pendingTransaction{
		TxID:      txID,
		Intent:    intent,
		Timestamp: time.Now().UnixMilli(),
	}
	n.pending[txID] = rec
	n.bus.Publish(TransactionNew{
		TxID:      txID,
		CoinID:    intent.Coin.ID,
		Sender:    intent.Sender,
		Recipient: intent.Recipient,
		Value:     intent.Coin.Value,
		Timestamp: rec.Timestamp,
	})
	return rec
}

// processLocked runs one round of witness polling for a pending transaction.
// Caller holds n.mu.
func (n *Network) processLocked(rec *pendingTransaction) {
	validCount := 0
	for _, v := range rec.Validations {
		if v.Valid {
			validCount++
		}
	}
	if validCount >= n.cfg.RequiredWitnesses {
		n.confirmLocked(rec)
		return
	}

	exclude := make(map[int]struct{})
	if idx, ok := n.agentByWallet[rec.Intent.Sender]; ok {
		exclude[idx] = struct{}{}
	}
	if idx, ok := n.agentByWallet[rec.Intent.Recipient]; ok {
		exclude[idx] = struct{}{}
	}
	for _, tried := range rec.WitnessesTried {
		exclude[tried] = struct{}{}
	}

	committee := n.selectWitnesses(n.cfg.RequiredWitnesses-validCount, exclude)
	for _, w := range committee {
		rec.WitnessesTried = append(rec.WitnessesTried, w.ID())
		res := w.Validate(context.Background(), rec.Intent)
		rec.Validations = append(rec.Validations, res)

		if res.Valid {
			validCount++
			if validCount >= n.cfg.RequiredWitnesses {
				n.confirmLocked(rec)
				return
			}
			continue
		}

		if res.Transient {
			// Witness-side unavailability: the transaction stays pending and
			// the retry sweep will poll fresh witnesses.
			n.logger.Warn("witness unavailable for validation",
				"tx_id", rec.TxID, "witness_id", res.WitnessID, "reason", res.Reason)
			return
		}

		// A substantive rejection is terminal: the committee is not polled
		// further and the sender's agent pays for the fraud.
		rec.Status = statusFailed
		rec.FailReason = res.Reason
		n.failed++
		n.penalizeSenderLocked(rec.Intent.Sender, res.Importance)
		n.bus.Publish(TransactionInvalid{
			TxID:      rec.TxID,
			CoinID:    rec.Intent.Coin.ID,
			Sender:    rec.Intent.Sender,
			Reason:    res.Reason,
			WitnessID: res.WitnessID,
			Timestamp: time.Now().UnixMilli(),
		})
		n.logger.Info("transaction rejected",
			"tx_id", rec.TxID, "witness_id", res.WitnessID, "reason", res.Reason)
		return
	}
	// Committee exhausted without reaching quorum (pool too small, or every
	// verdict positive but short of the requirement): stays pending.
}

// confirmLocked finalizes a transaction that reached its quorum.
func (n *Network) confirmLocked(rec *pendingTransaction) {
	witnessIDs := make([]int, 0, len(rec.Validations))
	witnessNames := make([]string, 0, len(rec.Validations))
	for _, v := range rec.Validations {
		if v.Valid {
			witnessIDs = append(witnessIDs, v.WitnessID)
			witnessNames = append(witnessNames, strconv.Itoa(v.WitnessID))
		}
	}

	c := rec.Intent.Coin
	if err := c.Transfer(rec.Intent.Recipient, rec.Intent.Signature, witnessNames); err != nil {
		rec.Status = statusFailed
		rec.FailReason = fmt.Sprintf("transaction failed: %v", err)
		n.failed++
		n.logger.Error("ownership rewrite failed", "tx_id", rec.TxID, "error", err)
		n.bus.Publish(TransactionFailed{
			TxID:      rec.TxID,
			CoinID:    c.ID,
			Reason:    rec.FailReason,
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	if idx, ok := n.agentByWallet[rec.Intent.Recipient]; ok {
		if err := n.agents[idx].Wallet().AddCoin(c); err != nil {
			n.logger.Error("recipient delivery failed", "tx_id", rec.TxID, "error", err)
		}
	}

	delete(n.pending, rec.TxID)
	n.confirmed++
	n.bus.Publish(TransactionConfirmed{
		TxID:      rec.TxID,
		CoinID:    c.ID,
		Sender:    rec.Intent.Sender,
		Recipient: rec.Intent.Recipient,
		Value:     c.Value,
		Witnesses: witnessIDs,
		Timestamp: time.Now().UnixMilli(),
	})
	n.logger.Info("transaction confirmed",
		"tx_id", rec.TxID, "coin_id", c.ID, "witnesses", witnessIDs)
}

// penalizeSenderLocked applies a failure reputation update to the agent that
// owns the sending wallet. Witnesses score their own catches; the sender-side
// penalty is what makes a fraudulent agent fade from the lottery.
func (n *Network) penalizeSenderLocked(senderWallet string, importance float64) {
	if importance <= 0 {
		return
	}
	idx, ok := n.agentByWallet[senderWallet]
	if !ok {
		return
	}
	score := n.agents[idx].Reputation().RecordFailure(importance)
	n.logger.Debug("sender penalized",
		"agent_id", idx, "importance", importance, "score", score)
}

// outcomeLocked translates a record's state into the caller-facing outcome,
// rolling the coin back into the sender's wallet on terminal failure.
func (n *Network) outcomeLocked(rec *pendingTransaction) *TransferOutcome {
	if _, stillPending := n.pending[rec.TxID]; !stillPending && rec.Status != statusFailed {
		return &TransferOutcome{Success: true, TxID: rec.TxID}
	}
	if rec.Status == statusFailed {
		n.rollbackLocked(rec)
		return &TransferOutcome{TxID: rec.TxID, Reason: rec.FailReason}
	}
	return &TransferOutcome{Pending: true, TxID: rec.TxID, Reason: rec.FailReason}
}

// rollbackLocked returns the in-flight coin to the sender's wallet once.
func (n *Network) rollbackLocked(rec *pendingTransaction) {
	if rec.rolledBack {
		return
	}
	rec.rolledBack = true
	idx, ok := n.agentByWallet[rec.Intent.Sender]
	if !ok {
		return
	}
	if err := n.agents[idx].Wallet().AddCoin(rec.Intent.Coin); err != nil {
		n.logger.Error("rollback failed", "tx_id", rec.TxID, "error", err)
	}
}

// retrySweep ages pending transactions: live ones are re-processed against
// fresh witnesses, and anything over the retry ceiling is purged with a
// terminal event (returning the coin unless it was already rolled back).
func (n *Network) retrySweep() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for txID, rec := range n.pending {
		if rec.Retries >= n.cfg.MaxRetries {
			delete(n.pending, txID)
			if rec.Status != statusFailed {
				n.failed++
			}
			n.rollbackLocked(rec)
			n.bus.Publish(TransactionFailed{
				TxID:      txID,
				CoinID:    rec.Intent.Coin.ID,
				Reason:    "max retries exceeded",
				Timestamp: time.Now().UnixMilli(),
			})
			n.logger.Info("transaction abandoned", "tx_id", txID, "retries", rec.Retries)
			continue
		}
		rec.Retries++
		if rec.Status == statusFailed {
			// Terminal; kept only for stats until the cap purges it.
			continue
		}
		n.processLocked(rec)
	}
}

// statsSweep publishes the periodic snapshot and persists agent state.
func (n *Network) statsSweep() {
	stats := n.Snapshot()
	n.bus.Publish(stats)
	n.persistAgents()

	if n.cfg.DataDir != "" {
		data, err := json.Marshal(stats)
		if err == nil {
			path := filepath.Join(n.cfg.DataDir, fmt.Sprintf("stats_%s.json", n.cfg.NetworkID))
			if err := os.WriteFile(path, data, 0644); err != nil {
				n.logger.Warn("stats snapshot write failed", "error", err)
			}
		}
	}
}

// Snapshot assembles the current NetworkStats.
func (n *Network) Snapshot() NetworkStats {
	n.mu.Lock()
	defer n.mu.Unlock()

	scores := make([]float64, len(n.agents))
	for i, a := range n.agents {
		scores[i] = a.Reputation().Score()
	}
	return NetworkStats{
		NetworkID:    n.cfg.NetworkID,
		AgentCount:   len(n.agents),
		PeerCount:    len(n.peers),
		PendingCount: len(n.pending),
		Confirmed:    n.confirmed,
		Failed:       n.failed,
		Scores:       scores,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// persistAgents writes every agent's snapshot through the state store.
func (n *Network) persistAgents() {
	if n.stateStore == nil {
		return
	}
	n.mu.Lock()
	agents := make([]*witness.Agent, len(n.agents))
	copy(agents, n.agents)
	n.mu.Unlock()

	for _, a := range agents {
		snap, err := a.Snapshot()
		if err != nil {
			n.logger.Warn("agent snapshot failed", "agent_id", a.ID(), "error", err)
			continue
		}
		if err := n.stateStore.SaveState(snap); err != nil {
			n.logger.Warn("agent state save failed", "agent_id", a.ID(), "error", err)
		}
	}
}

// SimulateDoubleSpend runs one legitimate transfer and then replays a forged
// coin with the same id: the forged copy is appended to the sender's wallet,
// submitted to a different recipient, and removed again whatever the verdict.
func (n *Network) SimulateDoubleSpend(fromIdx, coinIdx int) (*TransferOutcome, *TransferOutcome, error) {
	n.mu.Lock()
	if len(n.agents) < 3 {
		n.mu.Unlock()
		return nil, nil, errors.New("double-spend simulation needs at least three agents")
	}
	if fromIdx < 0 || fromIdx >= len(n.agents) {
		n.mu.Unlock()
		return nil, nil, ErrInvalidAgentIDs
	}
	sender := n.agents[fromIdx].Wallet()
	original, ok := sender.Coin(coinIdx)
	if !ok {
		n.mu.Unlock()
		return nil, nil, ErrCoinNotFound
	}
	originalID := original.ID
	originalValue := original.Value
	firstRecipient := (fromIdx + 1) % len(n.agents)
	secondRecipient := (fromIdx + 2) % len(n.agents)
	n.mu.Unlock()

	first, err := n.TransferCoin(fromIdx, firstRecipient, coinIdx)
	if err != nil {
		return nil, nil, err
	}

	forged, err := coin.New(sender.ID(), originalValue, coin.WithID(originalID))
	if err != nil {
		return first, nil, err
	}
	if err := sender.AddCoin(forged); err != nil {
		return first, nil, err
	}

	second, err := n.TransferCoin(fromIdx, secondRecipient, sender.CoinCount()-1)

	// The forged copy never stays behind, whatever happened above.
	sender.RemoveCoin(forged.ID)

	if err != nil {
		return first, nil, err
	}
	return first, second, nil
}
