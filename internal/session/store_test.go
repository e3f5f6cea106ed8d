package session

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const natsStartupTimeout = 5 * time.Second

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := New("user@example.com", "proj", "")
	s.Workflow.TransitionTo(PhasePlanning, "accepted")
	s.RecordFinding(RoleTriage, "timeout in gateway", 0.8)

	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, PhasePlanning, loaded.Workflow.Current)
	assert.Equal(t, 0.8, loaded.Confidences[RoleTriage])
}

func TestMemoryStore_LoadMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

// startJetStream runs an embedded NATS server with JetStream enabled.
func startJetStream(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(natsStartupTimeout))
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestKVStore_SaveLoad(t *testing.T) {
	nc := startJetStream(t)
	store, err := NewKVStore(nc)
	require.NoError(t, err)

	ctx := context.Background()
	s := New("user@example.com", "proj", "")
	s.Status = StatusPartial
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, loaded.Status)
	assert.Equal(t, s.UserID, loaded.UserID)
}

func TestKVStore_LoadMissing(t *testing.T) {
	nc := startJetStream(t)
	store, err := NewKVStore(nc)
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVStore_SaveOverwrites(t *testing.T) {
	nc := startJetStream(t)
	store, err := NewKVStore(nc)
	require.NoError(t, err)

	ctx := context.Background()
	s := New("u", "", "")
	require.NoError(t, store.Save(ctx, s))

	s.Status = StatusSuccess
	require.NoError(t, store.Save(ctx, s))

	loaded, err := store.Load(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, loaded.Status)
}
