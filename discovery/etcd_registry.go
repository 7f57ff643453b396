package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/nats-rpc/"

// EtcdRegistry implements Registry using etcd v3:
//
//	Key:   /nats-rpc/{service}/{subject}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires
// and the entry is automatically removed.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]leaseEntry // key → lease, to revoke on Deregister
}

type leaseEntry struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry connects to endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]leaseEntry)}, nil
}

func instanceKey(service, subject string) string {
	return keyPrefix + service + "/" + subject
}

// Register creates a lease of ttl seconds, puts the instance under it and keeps
// the lease alive in the background.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := instanceKey(service, inst.Subject)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// KeepAlive must outlive ctx, which may be a request-scoped one
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive ended", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.cancel()
	}
	r.leases[key] = leaseEntry{id: lease.ID, cancel: cancel}
	r.mu.Unlock()
	r.logger.Info("registered instance", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance, revoking its lease if this registry granted it.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, subject string) error {
	key := instanceKey(service, subject)
	r.mu.Lock()
	entry, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		entry.cancel()
		if _, err := r.client.Revoke(ctx, entry.id); err != nil {
			return errors.Wrapf(err, "revoke lease of %s", key)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "delete %s", key)
	}
	return nil
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", service)
	}
	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			// simpler than applying individual events
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("watch refresh failed", zap.String("service", service), zap.Error(err))
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

// Close stops renewing leases, which then expire on their own, and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for _, entry := range r.leases {
		entry.cancel()
	}
	r.leases = make(map[string]leaseEntry)
	r.mu.Unlock()
	return r.client.Close()
}
