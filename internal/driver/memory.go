package driver

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory protocols. Volatile keys live as long as the registry that owns
// the disk; ramdisk keys live in a disk shared by every registry in the
// process.
const (
	VolatileProtocol = "volatile"
	RamdiskProtocol  = "ramdisk"
)

// MemoryDisk is an in-memory backend. Drivers opened on the same disk and
// key see each other's sends.
type MemoryDisk struct {
	hub *hub

	mu      sync.Mutex
	records map[string]record
}

// NewMemoryDisk returns an empty disk.
func NewMemoryDisk() *MemoryDisk {
	return &MemoryDisk{hub: newHub(), records: make(map[string]record)}
}

// Factory returns a driver factory backed by this disk.
func (m *MemoryDisk) Factory() Factory {
	return func(ctx context.Context, key Key, mode ExistenceMode) (Driver, error) {
		return openBackendDriver(ctx, key, mode, m, m.hub)
	}
}

// Keys returns the number of keys on the disk.
func (m *MemoryDisk) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryDisk) exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key]
	return ok, nil
}

func (m *MemoryDisk) create(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; !ok {
		m.records[key] = record{}
	}
	return nil
}

func (m *MemoryDisk) read(_ context.Context, key string) (record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	rec.Data = cloneBytes(rec.Data)
	return rec, nil
}

func (m *MemoryDisk) write(_ context.Context, key string, data []byte, version int) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	if version != rec.Version+1 {
		return "", false, nil
	}
	token := uuid.NewString()
	m.records[key] = record{Data: cloneBytes(data), Version: version, Token: token}
	return token, true, nil
}

// RegisterMemory binds the volatile protocol to a fresh disk owned by reg
// and the ramdisk protocol to shared, which may be used by many registries.
func RegisterMemory(reg *Registry, shared *MemoryDisk) {
	reg.Register(VolatileProtocol, NewMemoryDisk().Factory())
	if shared != nil {
		reg.Register(RamdiskProtocol, shared.Factory())
	}
}
