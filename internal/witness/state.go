package witness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Snapshot is the abstract persisted form of an agent's bounded memory. It is
// written periodically and on shutdown, and restored on startup so a witness
// does not forget recently seen coins across restarts.
type Snapshot struct {
	ID                 int                   `json:"id"`
	Filter             json.RawMessage       `json:"filter"`
	RecentTransactions map[string]CacheEntry `json:"recent_transactions"`
	ValidatedValues    map[string]int64      `json:"validated_values"`
	BannedWallets      []string              `json:"banned_wallets"`
	PublicKeyDirectory map[string]string     `json:"public_key_directory"`
	Reputation         ReputationSnapshot    `json:"reputation"`
	Stats              Stats                 `json:"stats"`
	Timestamp          int64                 `json:"timestamp"`
}

// StateStore persists agent snapshots. Injected so tests can drive
// persistence in isolation.
type StateStore interface {
	SaveState(s *Snapshot) error
	LoadState(id int) (*Snapshot, error)
}

// FileStateStore keeps one JSON file per agent under a directory.
type FileStateStore struct {
	dir string
}

// NewFileStateStore creates the directory if needed.
func NewFileStateStore(dir string) (*FileStateStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}
	return &FileStateStore{dir: dir}, nil
}

func (fs *FileStateStore) path(id int) string {
	return filepath.Join(fs.dir, fmt.Sprintf("agent_%d.json", id))
}

func (fs *FileStateStore) SaveState(s *Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("snapshot encode: %w", err)
	}
	return os.WriteFile(fs.path(s.ID), data, 0644)
}

func (fs *FileStateStore) LoadState(id int) (*Snapshot, error) {
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		return nil, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot decode: %w", err)
	}
	return &s, nil
}

// Snapshot captures the agent's current state for persistence.
func (a *Agent) Snapshot() (*Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	filterJSON, err := json.Marshal(a.seenCoins)
	if err != nil {
		return nil, fmt.Errorf("seen-set encode: %w", err)
	}

	banned := make([]string, 0, len(a.bannedWallets))
	for id := range a.bannedWallets {
		banned = append(banned, id)
	}
	values := make(map[string]int64, len(a.validatedValues))
	for k, v := range a.validatedValues {
		values[k] = v
	}
	keys := make(map[string]string, len(a.keyCache))
	for k, v := range a.keyCache {
		keys[k] = v
	}

	return &Snapshot{
		ID:                 a.id,
		Filter:             filterJSON,
		RecentTransactions: a.recent.Entries(),
		ValidatedValues:    values,
		BannedWallets:      banned,
		PublicKeyDirectory: keys,
		Reputation:         a.reputation.Snapshot(),
		Stats:              a.stats,
		Timestamp:          time.Now().UnixMilli(),
	}, nil
}

// Restore replaces the agent's bounded memory from a snapshot. The agent's
// own key stays resolvable even if the snapshot predates it.
func (a *Agent) Restore(s *Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(s.Filter) > 0 {
		if err := json.Unmarshal(s.Filter, a.seenCoins); err != nil {
			return fmt.Errorf("seen-set decode: %w", err)
		}
	}
	a.recent.Restore(s.RecentTransactions)

	a.validatedValues = make(map[string]int64, len(s.ValidatedValues))
	for k, v := range s.ValidatedValues {
		a.validatedValues[k] = v
	}
	a.bannedWallets = make(map[string]struct{}, len(s.BannedWallets))
	for _, id := range s.BannedWallets {
		a.bannedWallets[id] = struct{}{}
	}
	a.keyCache = make(map[string]string, len(s.PublicKeyDirectory))
	for k, v := range s.PublicKeyDirectory {
		a.keyCache[k] = v
	}
	a.keyCache[a.wallet.ID()] = a.wallet.PublicKeyPEM()

	a.reputation.Restore(s.Reputation)
	a.stats = s.Stats
	return nil
}
