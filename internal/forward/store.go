package forward

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Record is what a Store keeps about a claimed port. It never carries the
// plaintext password.
type Record struct {
	Port        int       `json:"port"`
	Target      string    `json:"target"`
	TokenDigest string    `json:"token_digest"`
	WebSocket   bool      `json:"ws"`
	TLSOnly     bool      `json:"tls"`
	CreatedAt   time.Time `json:"created_at"`
	Owner       string    `json:"owner"`
}

// Store coordinates port ownership. The memory store is process-local; the
// Redis store lets several proxies on one host share a range.
type Store interface {
	// Claim reserves rec.Port. It reports false when another owner holds it.
	Claim(ctx context.Context, rec Record) (bool, error)
	// Touch extends the claim on port.
	Touch(ctx context.Context, port int) error
	// Release drops the claim on port if this owner holds it.
	Release(ctx context.Context, port int) error
	// Records lists the claims held by this owner.
	Records(ctx context.Context) ([]Record, error)
	Close() error
}

// TokenDigest returns the hex BLAKE3 digest stored in place of a password.
func TokenDigest(password string) string {
	sum := blake3.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int]Record)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Claim(_ context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.records[rec.Port]; taken {
		return false, nil
	}
	m.records[rec.Port] = rec
	return true, nil
}

func (m *MemoryStore) Touch(context.Context, int) error { return nil }

func (m *MemoryStore) Release(_ context.Context, port int) error {
	m.mu.Lock()
	delete(m.records, port)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Records(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
