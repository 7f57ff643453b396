// Package discovery lets servers advertise the subject a service is reachable on
// and clients find it, so a client needs only the service name.
package discovery

import (
	"context"
	"sort"
	"sync"
)

// Instance is one server process serving a service.
type Instance struct {
	Subject string `json:"subject"`         // subject requests are published to
	Queue   string `json:"queue,omitempty"` // queue group the server subscribes in
	Weight  int    `json:"weight"`          // Weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register advertises inst under service for ttl seconds, renewed until
	// Deregister or until the process dies.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service, subject string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list on every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Instance
}

// Static is an in-process Registry. Registrations never expire.
type Static struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewStatic() *Static {
	return &Static{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (s *Static) Register(_ context.Context, service string, inst Instance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services[service] == nil {
		s.services[service] = make(map[string]Instance)
	}
	s.services[service][inst.Subject] = inst
	s.notifyLocked(service)
	return nil
}

func (s *Static) Deregister(_ context.Context, service, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services[service], subject)
	s.notifyLocked(service)
	return nil
}

func (s *Static) Discover(_ context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(service), nil
}

func (s *Static) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	s.mu.Lock()
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		ws := s.watchers[service]
		for i, w := range ws {
			if w == ch {
				s.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// listLocked returns the instances sorted by subject.
func (s *Static) listLocked(service string) []Instance {
	instances := make([]Instance, 0, len(s.services[service]))
	for _, inst := range s.services[service] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Subject < instances[j].Subject })
	return instances
}

func (s *Static) notifyLocked(service string) {
	list := s.listLocked(service)
	for _, w := range s.watchers[service] {
		// keep only the latest list for a slow watcher
		select {
		case <-w:
		default:
		}
		w <- list
	}
}
