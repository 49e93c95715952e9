// Package wallet holds an RSA-2048 keypair and the multiset of coins owned by
// it. The wallet signs transfer intents exactly once and never mutates a coin
// it does not hold.
package wallet

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshpay/witness/internal/coin"
)

var (
	ErrNotOwner   = errors.New("coin is not owned by this wallet")
	ErrNoSuchCoin = errors.New("no coin at that index")
)

// TransferIntent is the wire form of a signed transfer: the coin itself, the
// sender's signature over the coin's canonical signature data, and the
// endpoints of the move.
type TransferIntent struct {
	Coin      *coin.Coin `json:"coin"`
	Signature string     `json:"signature"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Value     int64      `json:"value,omitempty"`
}

// EntryType tags the wallet's local transaction log.
type EntryType string

const (
	EntrySend    EntryType = "send"
	EntryReceive EntryType = "receive"
)

// Entry is one record in the wallet's append-only local history.
type Entry struct {
	Type         EntryType `json:"type"`
	CoinID       string    `json:"coin_id"`
	Counterparty string    `json:"counterparty,omitempty"`
	Value        int64     `json:"value"`
	Timestamp    int64     `json:"timestamp"`
}

// Wallet owns a keypair and a set of coins.
type Wallet struct {
	mu sync.RWMutex

	privateKey   *rsa.PrivateKey
	publicKeyPEM string
	id           string

	coins   []*coin.Coin
	history []Entry
}

// New generates a wallet with a fresh RSA-2048 keypair.
func New() (*Wallet, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	return fromKey(key)
}

func fromKey(key *rsa.PrivateKey) (*Wallet, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("public key encoding failed: %w", err)
	}
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return &Wallet{
		privateKey:   key,
		publicKeyPEM: pubPEM,
		id:           DeriveID(pubPEM),
	}, nil
}

// DeriveID maps a public key PEM to a wallet id: the first 16 hex characters
// of its SHA-256.
func DeriveID(publicKeyPEM string) string {
	sum := sha256.Sum256([]byte(publicKeyPEM))
	return hex.EncodeToString(sum[:])[:16]
}

// ID returns the wallet id derived from the public key.
func (w *Wallet) ID() string {
	return w.id
}

// PublicKeyPEM returns the SPKI PEM encoding of the public key.
func (w *Wallet) PublicKeyPEM() string {
	return w.publicKeyPEM
}

// PublicKey returns the raw public key.
func (w *Wallet) PublicKey() *rsa.PublicKey {
	return &w.privateKey.PublicKey
}

// AddCoin takes ownership of a coin already addressed to this wallet.
func (w *Wallet) AddCoin(c *coin.Coin) error {
	if c.OwnerID != w.id {
		return ErrNotOwner
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.coins = append(w.coins, c)
	w.history = append(w.history, Entry{
		Type:      EntryReceive,
		CoinID:    c.ID,
		Value:     c.Value,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// TransferCoin removes the coin at index from the wallet, signs the canonical
// transfer payload, and returns the intent for the network to orchestrate.
// The coin leaves local holdings immediately; a failed transfer is rolled
// back by the orchestrator re-adding it.
func (w *Wallet) TransferCoin(index int, recipientID string) (*TransferIntent, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < 0 || index >= len(w.coins) {
		return nil, ErrNoSuchCoin
	}
	c := w.coins[index]
	w.coins = append(w.coins[:index], w.coins[index+1:]...)

	timestamp := time.Now().UnixMilli()
	signature, err := w.sign(c.SignatureData(recipientID, timestamp))
	if err != nil {
		// Put the coin back; no intent was emitted.
		w.coins = append(w.coins, c)
		return nil, err
	}

	w.history = append(w.history, Entry{
		Type:         EntrySend,
		CoinID:       c.ID,
		Counterparty: recipientID,
		Value:        c.Value,
		Timestamp:    timestamp,
	})

	return &TransferIntent{
		Coin:      c,
		Signature: signature,
		Sender:    w.id,
		Recipient: recipientID,
		Timestamp: timestamp,
		Value:     c.Value,
	}, nil
}

func (w *Wallet) sign(data string) (string, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPKCS1v15(rand.Reader, w.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks an RSA-SHA256 signature (base64) over data.
func VerifySignature(data, signatureB64 string, pub *rsa.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("signature decode failed: %w", err)
	}
	digest := sha256.Sum256([]byte(data))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// ParsePublicKey decodes an SPKI PEM public key.
func ParsePublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key parse failed: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

// Balance sums the value of all held coins.
func (w *Wallet) Balance() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var total int64
	for _, c := range w.coins {
		total += c.Value
	}
	return total
}

// CoinCount returns the number of held coins.
func (w *Wallet) CoinCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.coins)
}

// Coins returns a snapshot of held coin references.
func (w *Wallet) Coins() []*coin.Coin {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*coin.Coin, len(w.coins))
	copy(out, w.coins)
	return out
}

// Coin returns the held coin at index, if any.
func (w *Wallet) Coin(index int) (*coin.Coin, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if index < 0 || index >= len(w.coins) {
		return nil, false
	}
	return w.coins[index], true
}

// RemoveCoin drops the first held coin with the given id, returning it.
// Ownership is not checked; the double-spend simulation removes forged
// entries through this path.
func (w *Wallet) RemoveCoin(coinID string) (*coin.Coin, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.coins {
		if c.ID == coinID {
			w.coins = append(w.coins[:i], w.coins[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

// History returns a copy of the wallet's local transaction log.
func (w *Wallet) History() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Entry, len(w.history))
	copy(out, w.history)
	return out
}
