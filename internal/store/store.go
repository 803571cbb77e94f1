// Package store persists the identity of the last connected peripheral behind
// an opaque string key/value contract.
package store

import (
	"errors"
	"fmt"
	"io"
)

// DeviceIDKey is the single key the device id is stored under.
const DeviceIDKey = "connectedDeviceId"

// KV is the persistence boundary: a flat string key/value store.
type KV interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// DeviceStore reads and writes the persisted device id.
type DeviceStore struct {
	kv KV
}

// NewDeviceStore creates a DeviceStore over kv.
func NewDeviceStore(kv KV) *DeviceStore {
	return &DeviceStore{kv: kv}
}

// Load returns the persisted device id, if any.
func (s *DeviceStore) Load() (string, bool, error) {
	id, ok, err := s.kv.Get(DeviceIDKey)
	if err != nil {
		return "", false, fmt.Errorf("store: load device id: %w", err)
	}
	if !ok || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

// Save persists id as the last connected device.
func (s *DeviceStore) Save(id string) error {
	if id == "" {
		return errors.New("store: device id must not be empty")
	}
	if err := s.kv.Set(DeviceIDKey, id); err != nil {
		return fmt.Errorf("store: save device id: %w", err)
	}
	return nil
}

// Forget deletes the persisted device id.
func (s *DeviceStore) Forget() error {
	if err := s.kv.Delete(DeviceIDKey); err != nil {
		return fmt.Errorf("store: delete device id: %w", err)
	}
	return nil
}

// Close releases the underlying KV if it holds resources.
func (s *DeviceStore) Close() error {
	if c, ok := s.kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Open creates the KV backend named by backend ("file", "sqlite" or "memory").
func Open(backend, path string) (KV, error) {
	switch backend {
	case "memory":
		return NewMemoryKV(), nil
	case "file", "":
		return NewFileKV(path)
	case "sqlite":
		return NewSQLiteKV(path)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", backend)
	}
}
