package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"uwgate/internal/provider"
)

// State is everything the broker persists between processes: the session
// profile, one token record per provider and at most one pending redirect
// per provider.
type State struct {
	Profile *Profile                               `json:"profile,omitempty"`
	Tokens  map[provider.Provider]*TokenRecord     `json:"tokens,omitempty"`
	Pending map[provider.Provider]*PendingRedirect `json:"pending,omitempty"`
}

// TokenRecord is the persisted form of a Token.
type TokenRecord struct {
	AccessToken    string            `json:"access_token"`
	RefreshToken   string            `json:"refresh_token,omitempty"`
	TokenType      string            `json:"token_type,omitempty"`
	IssuedAt       time.Time         `json:"issued_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Strategy       provider.Strategy `json:"strategy"`
	ServiceAccount bool              `json:"service_account,omitempty"`
}

// PendingRedirect correlates an outbound authorization redirect with its
// callback. It is consumed by the first completion attempt.
type PendingRedirect struct {
	Nonce     string    `json:"nonce"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *State) ensureMaps() {
	if s.Tokens == nil {
		s.Tokens = make(map[provider.Provider]*TokenRecord)
	}
	if s.Pending == nil {
		s.Pending = make(map[provider.Provider]*PendingRedirect)
	}
}

func (s *State) clone() *State {
	data, _ := json.Marshal(s)
	out := &State{}
	_ = json.Unmarshal(data, out)
	out.ensureMaps()
	return out
}

// Store is durable client storage. Only the broker writes to it.
type Store interface {
	// Load returns a copy of the stored state; an empty State when nothing
	// has been stored yet.
	Load(ctx context.Context) (*State, error)
	// Update applies fn to the current state and saves the result
	// atomically with respect to other Update calls, including those of
	// other processes where the backend supports it.
	Update(ctx context.Context, fn func(*State) error) error
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &State{}
	s.ensureMaps()
	return &MemoryStore{state: s}
}

func (m *MemoryStore) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	m.state = next
	return nil
}
