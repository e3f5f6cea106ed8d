package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// ErrNotFound is returned when a session id has no stored snapshot.
var ErrNotFound = errors.New("session not found")

// Store persists session snapshots. Persistence is best-effort by design:
// callers log Save failures and keep the in-memory session authoritative
// for the lifetime of the owning process.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
}

// MemoryStore is a process-local Store, used in tests and when no durable
// backend is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

// Save snapshots the session.
func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = data
	return nil
}

// Load returns the most recent snapshot for id.
func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	data, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// KVStore persists session snapshots in a NATS JetStream key-value bucket.
type KVStore struct {
	kv nats.KeyValue
}

// KVBucket is the JetStream bucket holding session snapshots.
const KVBucket = "incidentd_sessions"

// NewKVStore creates (or binds to) the session bucket on the given
// connection.
func NewKVStore(nc *nats.Conn) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	kv, err := js.KeyValue(KVBucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      KVBucket,
			Description: "incidentd session snapshots",
			History:     5,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("session bucket: %w", err)
	}
	return &KVStore{kv: kv}, nil
}

// Save writes one snapshot per session id, keeping bucket history for audit.
func (k *KVStore) Save(_ context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if _, err := k.kv.Put(s.ID, data); err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

// Load reads the latest snapshot for id.
func (k *KVStore) Load(_ context.Context, id string) (*Session, error) {
	entry, err := k.kv.Get(id)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal(entry.Value(), &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}
