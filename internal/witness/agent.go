// Package witness implements the validator peer: an 11-stage transfer
// validation pipeline backed by a probabilistic seen-set, an exact recency
// cache, value-inflation tracking, a ban list, and a bounded reputation
// score. A witness keeps no ledger; everything it knows about the world fits
// in these bounded structures.
//
// The inflation check compares against the value a witness recorded the last
// time it validated a coin id, so a witness that has never validated that id
// accepts whatever positive value the coin carries.
package witness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/meshpay/witness/internal/coin"
	"github.com/meshpay/witness/internal/wallet"
)

// Importance weights for reputation updates.
const (
	importanceSuccess            = 1.0
	importancePossibleDouble     = 1.5
	importanceConfirmedDouble    = 2.0
	importanceInternalError      = 0.5
	importanceSenderFraudDefault = 1.0
)

// Config bounds an agent's memory structures.
type Config struct {
	// SeenSetBits and SeenSetHashes size the bloom filter. The defaults fit
	// ten million coin ids at a false-positive rate of about 1e-3 (~18 MiB).
	SeenSetBits    uint `json:"seen_set_bits"`
	SeenSetHashes  uint `json:"seen_set_hashes"`
	RecentCacheCap int  `json:"recent_cache_cap"`
	// MaxFailuresBeforeBan is the consecutive-failure ceiling per sender.
	MaxFailuresBeforeBan int `json:"max_failures_before_ban"`
}

// DefaultConfig returns the production sizing.
func DefaultConfig() Config {
	return Config{
		SeenSetBits:          150_000_000,
		SeenSetHashes:        15,
		RecentCacheCap:       100_000,
		MaxFailuresBeforeBan: 5,
	}
}

// Stats counts what the agent has prevented. Observability only; nothing
// reads these to make decisions.
type Stats struct {
	Validated             uint64 `json:"validated"`
	Rejected              uint64 `json:"rejected"`
	DoubleSpendsPrevented uint64 `json:"double_spends_prevented"`
	InvalidSignatures     uint64 `json:"invalid_signatures"`
	ZeroBalancePrevented  uint64 `json:"zero_balance_prevented"`
	BannedWallets         uint64 `json:"banned_wallets"`
}

// ValidationResult is a witness's verdict on a transfer intent.
type ValidationResult struct {
	Valid             bool    `json:"valid"`
	Reason            string  `json:"reason,omitempty"`
	WitnessID         int     `json:"witness_id"`
	Timestamp         int64   `json:"timestamp"`
	ReputationScore   float64 `json:"reputation_score,omitempty"`
	PreviousTimestamp int64   `json:"previous_timestamp,omitempty"`
	// Importance is the weight the rejection carries for sender-side
	// reputation penalties; zero for non-fraud rejections.
	Importance float64 `json:"-"`
	// CounterBumped reports whether the sender's failure counter advanced.
	CounterBumped bool `json:"-"`
	// Transient marks rejections caused by witness-side unavailability (a
	// directory miss) rather than anything wrong with the transfer itself.
	Transient bool `json:"-"`
}

// Agent is a witness. All validation runs under a single mutex: each agent's
// state is its own critical section and validations are serialized per agent.
type Agent struct {
	id     int
	wallet *wallet.Wallet
	cfg    Config
	logger *slog.Logger

	mu                 sync.Mutex
	seenCoins          *bloom.BloomFilter
	recent             *RecentCache
	validatedValues    map[string]int64
	validationFailures map[string]int
	bannedWallets      map[string]struct{}
	keyCache           map[string]string

	external   Directory
	reputation *Reputation
	stats      Stats
}

// NewAgent creates a witness with its own wallet and a fresh score of 100.
// external may be nil when every key is registered locally.
func NewAgent(id int, cfg Config, external Directory, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := wallet.New()
	if err != nil {
		return nil, fmt.Errorf("agent %d wallet: %w", id, err)
	}
	a := &Agent{
		id:                 id,
		wallet:             w,
		cfg:                cfg,
		logger:             logger.With("component", "witness", "agent_id", id),
		seenCoins:          bloom.New(cfg.SeenSetBits, cfg.SeenSetHashes),
		recent:             NewRecentCache(cfg.RecentCacheCap),
		validatedValues:    make(map[string]int64),
		validationFailures: make(map[string]int),
		bannedWallets:      make(map[string]struct{}),
		keyCache:           make(map[string]string),
		external:           external,
		reputation:         NewReputation(reputationMax),
	}
	// The agent's own key is always resolvable locally.
	a.keyCache[w.ID()] = w.PublicKeyPEM()
	return a, nil
}

// ID returns the agent's roster id.
func (a *Agent) ID() int { return a.id }

// Wallet returns the agent's own wallet.
func (a *Agent) Wallet() *wallet.Wallet { return a.wallet }

// Reputation returns the agent's reputation record.
func (a *Agent) Reputation() *Reputation { return a.reputation }

// Stats returns a copy of the counters.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// RegisterPublicKey caches a wallet's public key locally.
func (a *Agent) RegisterPublicKey(walletID, publicKeyPEM string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keyCache[walletID] = publicKeyPEM
}

// ForgetPublicKey drops a cached key so the next validation involving the
// wallet consults the external directory again (key rotation, revocation).
func (a *Agent) ForgetPublicKey(walletID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if walletID == a.wallet.ID() {
		return
	}
	delete(a.keyCache, walletID)
}

// Banned reports whether the wallet is currently banned by this agent.
func (a *Agent) Banned(walletID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, banned := a.bannedWallets[walletID]
	return banned
}

// Unban lifts a ban and clears the failure counter.
func (a *Agent) Unban(walletID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.bannedWallets, walletID)
	delete(a.validationFailures, walletID)
}

// FailureCount returns the consecutive-failure counter for a wallet.
func (a *Agent) FailureCount(walletID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validationFailures[walletID]
}

// HasSeen reports whether the coin id is (probably) in the seen-set.
func (a *Agent) HasSeen(coinID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seenCoins.Test([]byte(coinID))
}

// LastValidatedValue returns the value last recorded for a coin id.
func (a *Agent) LastValidatedValue(coinID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.validatedValues[coinID]
	return v, ok
}

// TransactionHash is the replay-detection key for a transfer intent.
func TransactionHash(t *wallet.TransferIntent) string {
	payload := fmt.Sprintf("%s-%s-%s-%s-%d-%d",
		t.Coin.ID, t.Sender, t.Recipient, t.Signature, t.Timestamp, t.Coin.Value)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Validate runs the ordered pipeline against a transfer intent. The first
// failing stage short-circuits with its specific reason. Panics are reported
// as a validation error with a low-importance self-penalty, distinguishing
// witness bugs from sender fraud.
func (a *Agent) Validate(ctx context.Context, t *wallet.TransferIntent) (result ValidationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("validation panicked", "panic", r)
			a.stats.Rejected++
			score := a.reputation.RecordFailure(importanceInternalError)
			result = ValidationResult{
				Valid:           false,
				Reason:          fmt.Sprintf("validation error: %v", r),
				WitnessID:       a.id,
				Timestamp:       time.Now().UnixMilli(),
				ReputationScore: score,
			}
		}
	}()

	// Stage 1: shape. No counter bump, no reputation change.
	if t == nil || t.Coin == nil || t.Signature == "" || t.Sender == "" || t.Recipient == "" {
		return a.reject("missing required transfer data", 0, false)
	}

	// Stage 2: banned sender. The sender is already banned; no bump.
	if _, banned := a.bannedWallets[t.Sender]; banned {
		return a.reject("sender wallet is banned due to suspicious activity", importanceSenderFraudDefault, false)
	}

	// Stage 3: integrity.
	if !t.Coin.VerifyIntegrity() {
		a.bumpFailures(t.Sender)
		return a.reject("coin integrity check failed", importanceSenderFraudDefault, true)
	}

	// Stage 4: status.
	if t.Coin.Status != coin.StatusActive {
		a.bumpFailures(t.Sender)
		return a.reject(fmt.Sprintf("coin status is %s, not active", t.Coin.Status), importanceSenderFraudDefault, true)
	}

	// Stage 5: zero or negative value.
	if t.Coin.Value <= 0 {
		a.bumpFailures(t.Sender)
		a.stats.ZeroBalancePrevented++
		return a.reject("zero or negative value coin detected", importanceSenderFraudDefault, true)
	}

	// Stage 6: inflation. The value a witness records for a coin id may only
	// decrease or hold across validations.
	if prev, ok := a.validatedValues[t.Coin.ID]; ok && t.Coin.Value > prev {
		a.bumpFailures(t.Sender)
		return a.reject(
			fmt.Sprintf("coin value has been inflated from %d to %d", prev, t.Coin.Value),
			importanceSenderFraudDefault, true)
	}

	// Stage 7: probabilistic double-spend, corroborated by the exact cache.
	if a.seenCoins.Test([]byte(t.Coin.ID)) {
		a.bumpFailures(t.Sender)
		a.stats.DoubleSpendsPrevented++
		if cached, ok := a.recent.Get(t.Coin.ID); ok {
			// Catching a confirmed double-spend is the most valuable thing a
			// witness does; weight the update accordingly.
			score := a.reputation.RecordSuccess(importanceConfirmedDouble)
			prevISO := time.UnixMilli(cached.Timestamp).UTC().Format(time.RFC3339)
			a.stats.Rejected++
			return ValidationResult{
				Valid:             false,
				Reason:            fmt.Sprintf("confirmed double-spend detected (previous transfer: %s)", prevISO),
				WitnessID:         a.id,
				Timestamp:         time.Now().UnixMilli(),
				ReputationScore:   score,
				PreviousTimestamp: cached.Timestamp,
				Importance:        importanceConfirmedDouble,
				CounterBumped:     true,
			}
		}
		score := a.reputation.RecordSuccess(importancePossibleDouble)
		a.stats.Rejected++
		return ValidationResult{
			Valid:           false,
			Reason:          "possible double-spend detected",
			WitnessID:       a.id,
			Timestamp:       time.Now().UnixMilli(),
			ReputationScore: score,
			Importance:      importancePossibleDouble,
			CounterBumped:   true,
		}
	}

	// Stage 8: expiry. Not fraud; no bump.
	if t.Coin.Expired() {
		return a.reject("coin has expired", 0, false)
	}

	// Stage 9: replay of the exact transfer tuple.
	txHash := TransactionHash(t)
	if _, ok := a.recent.Get(txHash); ok {
		a.bumpFailures(t.Sender)
		return a.reject("transaction replay detected", importanceSenderFraudDefault, true)
	}

	// Stage 10: sender signature.
	senderPEM, err := a.lookupKey(ctx, t.Sender)
	if err != nil {
		// A directory miss is not sender fraud; no bump, and the
		// orchestrator may retry with other witnesses.
		res := a.reject("unable to retrieve sender public key", 0, false)
		res.Transient = true
		return res
	}
	pub, err := wallet.ParsePublicKey(senderPEM)
	if err != nil {
		a.bumpFailures(t.Sender)
		return a.reject(fmt.Sprintf("signature verification error: %v", err), importanceSenderFraudDefault, true)
	}
	payload := t.Coin.SignatureData(t.Recipient, t.Timestamp)
	if err := wallet.VerifySignature(payload, t.Signature, pub); err != nil {
		a.bumpFailures(t.Sender)
		a.stats.InvalidSignatures++
		return a.reject("invalid signature", importanceSenderFraudDefault, true)
	}

	// Stage 11: accept. Record everything this witness will need to refuse
	// the same coin or tuple later.
	now := time.Now().UnixMilli()
	a.seenCoins.Add([]byte(t.Coin.ID))
	a.recent.Put(t.Coin.ID, CacheEntry{
		Timestamp: now,
		Hash:      txHash,
		Sender:    t.Sender,
		Recipient: t.Recipient,
		Value:     t.Coin.Value,
	})
	a.recent.Put(txHash, CacheEntry{
		Timestamp: now,
		CoinID:    t.Coin.ID,
	})
	a.validatedValues[t.Coin.ID] = t.Coin.Value
	delete(a.validationFailures, t.Sender)
	score := a.reputation.RecordSuccess(importanceSuccess)
	a.stats.Validated++

	return ValidationResult{
		Valid:           true,
		WitnessID:       a.id,
		Timestamp:       now,
		ReputationScore: score,
	}
}

// reject builds a negative verdict. Caller has already bumped counters and
// stats where the stage demands it.
func (a *Agent) reject(reason string, importance float64, bumped bool) ValidationResult {
	a.stats.Rejected++
	return ValidationResult{
		Valid:           false,
		Reason:          reason,
		WitnessID:       a.id,
		Timestamp:       time.Now().UnixMilli(),
		ReputationScore: a.reputation.Score(),
		Importance:      importance,
		CounterBumped:   bumped,
	}
}

// bumpFailures advances the sender's consecutive-failure counter and bans at
// the threshold. Caller holds the agent lock.
func (a *Agent) bumpFailures(sender string) {
	a.validationFailures[sender]++
	if a.validationFailures[sender] >= a.cfg.MaxFailuresBeforeBan {
		if _, already := a.bannedWallets[sender]; !already {
			a.bannedWallets[sender] = struct{}{}
			a.stats.BannedWallets++
			a.logger.Warn("wallet banned after repeated failures",
				"wallet_id", sender, "failures", a.validationFailures[sender])
		}
	}
}

// lookupKey resolves a wallet's public key: local cache first, then the
// external directory. Caller holds the agent lock.
func (a *Agent) lookupKey(ctx context.Context, walletID string) (string, error) {
	if pem, ok := a.keyCache[walletID]; ok {
		return pem, nil
	}
	if a.external == nil {
		return "", ErrUnknownWallet
	}
	pem, err := a.external.Lookup(ctx, walletID)
	if err != nil {
		return "", err
	}
	a.keyCache[walletID] = pem
	return pem, nil
}
