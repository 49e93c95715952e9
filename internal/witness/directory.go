package witness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnknownWallet is returned when a directory has no key for a wallet id.
var ErrUnknownWallet = errors.New("unknown wallet id")

// Directory resolves wallet ids to SPKI PEM public keys. The network-wide
// directory is modeled as a pluggable lookup so tests can drive it directly.
type Directory interface {
	Lookup(ctx context.Context, walletID string) (string, error)
}

// DirectoryFunc adapts a plain function to the Directory interface.
type DirectoryFunc func(ctx context.Context, walletID string) (string, error)

func (f DirectoryFunc) Lookup(ctx context.Context, walletID string) (string, error) {
	return f(ctx, walletID)
}

// MapDirectory is an in-memory Directory backed by a map.
type MapDirectory struct {
	mu   sync.RWMutex
	keys map[string]string
}

func NewMapDirectory() *MapDirectory {
	return &MapDirectory{keys: make(map[string]string)}
}

// Register stores a wallet's public key PEM.
func (d *MapDirectory) Register(walletID, publicKeyPEM string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[walletID] = publicKeyPEM
}

// Unregister removes a wallet's key, e.g. after revocation.
func (d *MapDirectory) Unregister(walletID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, walletID)
}

func (d *MapDirectory) Lookup(_ context.Context, walletID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pem, ok := d.keys[walletID]
	if !ok {
		return "", ErrUnknownWallet
	}
	return pem, nil
}

// BreakerDirectory wraps a Directory in a circuit breaker so a flapping
// external directory degrades to fast key-miss failures instead of stalling
// the validation pipeline.
type BreakerDirectory struct {
	inner Directory
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerDirectory wraps inner with a breaker that opens after three
// consecutive failures and probes again after ten seconds.
func NewBreakerDirectory(inner Directory) *BreakerDirectory {
	return &BreakerDirectory{
		inner: inner,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "public-key-directory",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

func (d *BreakerDirectory) Lookup(ctx context.Context, walletID string) (string, error) {
	result, err := d.cb.Execute(func() (interface{}, error) {
		return d.inner.Lookup(ctx, walletID)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}
