package witness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestore(t *testing.T) {
	a := newTestAgent(t)
	s := newSender(t, a)

	good := s.intentFor(t, 5, "recipient-1")
	require.True(t, a.Validate(context.Background(), good).Valid)

	bad := s.intentFor(t, 5, "recipient-1")
	bad.Coin.Value = 0
	bad.Coin.UpdateHash()
	require.False(t, a.Validate(context.Background(), bad).Valid)

	snap, err := a.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, a.ID(), snap.ID)
	assert.NotEmpty(t, snap.Filter)
	assert.NotZero(t, snap.Timestamp)

	restored, err := NewAgent(a.ID(), testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))

	// The restored witness remembers the coin and refuses it again.
	assert.True(t, restored.HasSeen(good.Coin.ID))
	v, ok := restored.LastValidatedValue(good.Coin.ID)
	assert.True(t, ok)
	assert.Equal(t, int64(5), v)
	assert.Equal(t, 1, restored.FailureCount(s.wallet.ID()))
	assert.Equal(t, a.Reputation().Score(), restored.Reputation().Score())
	assert.Equal(t, a.Stats(), restored.Stats())

	// Its own key survives restore even though the snapshot came from a
	// different keypair.
	assert.True(t, restored.keyCache[restored.wallet.ID()] != "")
}

func TestSnapshotRestore_CarriesBans(t *testing.T) {
	a := newTestAgent(t)
	s := newSender(t, a)

	for i := 0; i < 5; i++ {
		intent := s.intentFor(t, 5, "recipient-1")
		intent.Coin.Value = 0
		intent.Coin.UpdateHash()
		a.Validate(context.Background(), intent)
	}
	require.True(t, a.Banned(s.wallet.ID()))

	snap, err := a.Snapshot()
	require.NoError(t, err)

	restored, err := NewAgent(a.ID(), testConfig(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))
	assert.True(t, restored.Banned(s.wallet.ID()))
}

func TestFileStateStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStateStore(dir)
	require.NoError(t, err)

	a := newTestAgent(t)
	s := newSender(t, a)
	require.True(t, a.Validate(context.Background(), s.intentFor(t, 4, "r")).Valid)

	snap, err := a.Snapshot()
	require.NoError(t, err)
	require.NoError(t, store.SaveState(snap))

	loaded, err := store.LoadState(a.ID())
	require.NoError(t, err)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, snap.ValidatedValues, loaded.ValidatedValues)
	assert.Equal(t, snap.Stats, loaded.Stats)

	_, err = store.LoadState(999)
	assert.Error(t, err)
}
