package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of every key the registry writes.
const KeyPrefix = "/webbridge/"

// EtcdRegistry implements Registry on etcd v3:
//
//	Key:   /webbridge/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if the bridge dies, the lease expires and
// the entry disappears with it.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]leaseEntry // key → lease kept alive for it
}

type leaseEntry struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd %v: %w", endpoints, err)
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]leaseEntry)}, nil
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

func instanceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}

// Register puts instance under a fresh lease of ttl seconds and keeps the
// lease alive until Deregister or Close.
//
// The lease id lives in the leases map, not on the struct, so one registry
// can publish several instances.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	// the keepalive must outlive the caller's ctx
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("registry: keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = leaseEntry{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	if had {
		old.cancel()
	}

	r.logger.Info("registry: registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister deletes the entry and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)

	r.mu.Lock()
	entry, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	if ok {
		entry.cancel()
		if _, err := r.client.Revoke(ctx, entry.id); err != nil {
			return fmt.Errorf("registry: revoke lease for %s: %w", key, err)
		}
	}
	return nil
}

// Discover returns every instance currently stored under serviceName.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", serviceName, err)
	}
	return decodeInstances(resp.Kvs, r.logger), nil
}

// Watch re-reads the full list whenever anything under the service prefix
// changes, which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry: watch failed", zap.String("service", serviceName), zap.Error(err))
				return
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("registry: rediscover failed", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops every keepalive and disconnects from etcd. Published entries
// expire with their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, entry := range r.leases {
		entry.cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}

// decodeInstances skips malformed values.
func decodeInstances(kvs []*mvccpb.KeyValue, logger *zap.Logger) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(kvs))
	for _, kv := range kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			logger.Warn("registry: malformed entry skipped", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances
}
