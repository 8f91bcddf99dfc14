package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "uwgate"
	keyringUser    = "session"
)

// KeyringStore keeps the state JSON in the operating system keyring.
// Update is serialized within the process only; the keyring offers no
// cross-process lock.
type KeyringStore struct {
	mu      sync.Mutex
	service string
}

// NewKeyringStore returns a keyring-backed store.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: keyringService}
}

// CheckKeyring verifies the keyring is usable by writing and removing a
// probe entry.
func CheckKeyring() error {
	const probe = "probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return fmt.Errorf("keyring not available: %w", err)
	}
	_ = keyring.Delete(keyringService, probe)
	return nil
}

func (k *KeyringStore) Load(_ context.Context) (*State, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.read()
}

func (k *KeyringStore) read() (*State, error) {
	state := &State{}
	secret, err := keyring.Get(k.service, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		state.ensureMaps()
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	if err := json.Unmarshal([]byte(secret), state); err != nil {
		return nil, fmt.Errorf("failed to parse keyring state: %w", err)
	}
	state.ensureMaps()
	return state, nil
}

func (k *KeyringStore) Update(_ context.Context, fn func(*State) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	state, err := k.read()
	if err != nil {
		return err
	}
	if err := fn(state); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := keyring.Set(k.service, keyringUser, string(data)); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	return nil
}
