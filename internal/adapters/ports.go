// Package adapters holds small concrete collaborators. None of them names
// the interface it satisfies; the consumer packages define those.
package adapters

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// MemoryPorts remembers ports for the life of the process.
type MemoryPorts struct {
	mu    sync.Mutex
	ports []string
}

func NewMemoryPorts(seed ...string) *MemoryPorts {
	m := &MemoryPorts{}
	for _, p := range seed {
		m.Remember(p)
	}
	return m
}

// KnownPorts returns remembered ports, most recent first.
func (m *MemoryPorts) KnownPorts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ports)
}

func (m *MemoryPorts) Remember(port string) {
	if port == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports = slices.DeleteFunc(m.ports, func(p string) bool { return p == port })
	m.ports = slices.Insert(m.ports, 0, port)
}

// PortStore is the persistence StorePorts writes through to.
type PortStore interface {
	KnownPorts() ([]string, error)
	RememberPort(name string) error
}

// StorePorts adapts a PortStore to the error-free history the transport
// expects. Failures are logged and otherwise ignored.
type StorePorts struct {
	db  PortStore
	log *zap.Logger
}

func NewStorePorts(db PortStore, log *zap.Logger) *StorePorts {
	if log == nil {
		log = zap.NewNop()
	}
	return &StorePorts{db: db, log: log.Named("ports")}
}

func (s *StorePorts) KnownPorts() []string {
	ports, err := s.db.KnownPorts()
	if err != nil {
		s.log.Warn("load known ports", zap.Error(err))
		return nil
	}
	return ports
}

func (s *StorePorts) Remember(port string) {
	if port == "" {
		return
	}
	if err := s.db.RememberPort(port); err != nil {
		s.log.Warn("remember port", zap.String("port", port), zap.Error(err))
	}
}
