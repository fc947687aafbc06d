package aggregation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// KeyDirectory maps participant IDs to their registered BLS public keys.
// A vote from a participant with a registered key must carry a valid
// signature; a participant without one is accepted unverified until its
// key is registered.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyDirectory creates an empty directory.
func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[string][]byte)}
}

// Register records a participant's BLS public key.
func (d *KeyDirectory) Register(participantID string, publicKey []byte) error {
	if len(publicKey) != BLSPublicKeySize {
		return fmt.Errorf("invalid BLS public key size for %s: %d", participantID, len(publicKey))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.keys[participantID] = append([]byte(nil), publicKey...)

	return nil
}

// Lookup returns the registered key for a participant, or nil.
func (d *KeyDirectory) Lookup(participantID string) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.keys[participantID]
}

// LoadKeyDirectory reads a directory from a JSON file mapping
// participant IDs to hex-encoded compressed BLS public keys.
func LoadKeyDirectory(path string) (*KeyDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key directory:\n%w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse key directory:\n%w", err)
	}

	d := NewKeyDirectory()

	for id, keyHex := range raw {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode key for %s:\n%w", id, err)
		}

		if err := d.Register(id, key); err != nil {
			return nil, err
		}
	}

	return d, nil
}
