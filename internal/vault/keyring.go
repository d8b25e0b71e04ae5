package vault

import (
	"fmt"
	"sync"

	"github.com/dmitrijs2005/crosspost/internal/common"
	"github.com/dmitrijs2005/crosspost/internal/cryptox"
)

// Keyring holds master keys in memory, indexed by key id. One key is
// current and seals new credentials; the others only open existing rows.
// Close zeroes every key.
type Keyring struct {
	mu      sync.RWMutex
	current string
	keys    map[string][]byte
}

// NewKeyring copies current and previous into a new keyring.
func NewKeyring(current []byte, previous ...[]byte) (*Keyring, error) {
	k := &Keyring{keys: make(map[string][]byte)}
	for _, p := range previous {
		if _, err := k.Add(p); err != nil {
			return nil, err
		}
	}
	if _, err := k.SetCurrent(current); err != nil {
		return nil, err
	}
	return k, nil
}

func checkKey(key []byte) error {
	if len(key) != cryptox.KeySize {
		return fmt.Errorf("%w: master key must be %d bytes", common.ErrEncryption, cryptox.KeySize)
	}
	return nil
}

// Add makes key available for opening rows and returns its id.
func (k *Keyring) Add(key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	id := cryptox.KeyID(key)

	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[id]; !ok {
		k.keys[id] = append([]byte(nil), key...)
	}
	return id, nil
}

// SetCurrent adds key and makes it the sealing key.
func (k *Keyring) SetCurrent(key []byte) (string, error) {
	id, err := k.Add(key)
	if err != nil {
		return "", err
	}
	k.mu.Lock()
	k.current = id
	k.mu.Unlock()
	return id, nil
}

// Current returns the sealing key and its id.
func (k *Keyring) Current() (string, []byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	key, ok := k.keys[k.current]
	if !ok {
		return "", nil, fmt.Errorf("%w: no master key loaded", common.ErrEncryption)
	}
	return k.current, key, nil
}

// Key returns the key with the given id.
func (k *Keyring) Key(id string) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[id]
	return key, ok
}

// Close wipes all keys. The keyring is unusable afterwards.
func (k *Keyring) Close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, key := range k.keys {
		common.WipeByteArray(key)
		delete(k.keys, id)
	}
	k.current = ""
}
