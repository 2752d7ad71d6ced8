package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. It holds the discovery.static
// controller list when no etcd endpoints are configured. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

// Register adds instance or replaces the one with the same address.
func (m *MemoryRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[serviceName]
	for i := range list {
		if list[i].Addr == instance.Addr {
			list[i] = instance
			m.notifyLocked(serviceName)
			return nil
		}
	}
	m.instances[serviceName] = append(list, instance)
	m.notifyLocked(serviceName)
	return nil
}

func (m *MemoryRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[serviceName]
	for i := range list {
		if list[i].Addr == addr {
			m.instances[serviceName] = append(list[:i:i], list[i+1:]...)
			m.notifyLocked(serviceName)
			return nil
		}
	}
	return nil
}

// Discover returns a copy of the instances registered under serviceName.
func (m *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(serviceName), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[serviceName]
		for i, w := range watchers {
			if w == ch {
				m.watchers[serviceName] = append(watchers[:i:i], watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch
}

// Close drops every watcher.
func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, watchers := range m.watchers {
		for _, w := range watchers {
			close(w)
		}
		delete(m.watchers, name)
	}
	return nil
}

func (m *MemoryRegistry) snapshotLocked(serviceName string) []ServiceInstance {
	list := m.instances[serviceName]
	out := make([]ServiceInstance, len(list))
	copy(out, list)
	return out
}

// notifyLocked replaces any update a slow watcher has not read yet, so
// watchers always see the latest list.
func (m *MemoryRegistry) notifyLocked(serviceName string) {
	for _, w := range m.watchers[serviceName] {
		select {
		case <-w:
		default:
		}
		w <- m.snapshotLocked(serviceName)
	}
}
