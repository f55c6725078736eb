package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
)

// ErrUnavailable is returned by Get for a key that was never initialized.
var ErrUnavailable = errors.New("connection pool unavailable")

// Key identifies a pool by the settings that make two SMTP sessions interchangeable.
type Key struct {
	Host     string
	Port     int
	Username string
	Password string
	Security string
	Auth     bool
}

// Fingerprint is a stable digest of the key. The password only contributes through the hash.
func (k Key) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{k.Host, strconv.Itoa(k.Port), k.Username, k.Password, k.Security, strconv.FormatBool(k.Auth)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// String is a loggable description without secrets.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", k.Username, k.Host, k.Port, k.Security)
}

type entry struct {
	pool *Pool
	refs int
	// ready is closed once the first Initialize has dialed; err holds its failure.
	ready chan struct{}
	err   error
}

// Registry shares pools between sinks with identical keys.
type Registry struct {
	mu      sync.Mutex
	pools   map[string]*entry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// RegistryOption customizes a registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to every pool.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistryMetrics sets the metrics handed to every pool.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{pools: make(map[string]*entry), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize returns the pool for key, creating it on first use. Every call
// takes a reference that Teardown gives back. Concurrent callers for the same
// key wait for the first one and get the same pool; other keys are not held up
// while it dials.
func (r *Registry) Initialize(ctx context.Context, key Key, factory Factory, s Settings) (*Pool, error) {
	fp := key.Fingerprint()

	r.mu.Lock()
	if e, ok := r.pools[fp]; ok {
		e.refs++
		r.mu.Unlock()
		return r.join(ctx, fp, e, key, s)
	}
	e := &entry{refs: 1, ready: make(chan struct{})}
	r.pools[fp] = e
	r.mu.Unlock()

	p, err := New(ctx, key.String(), factory, s, WithLogger(r.logger), WithMetrics(r.metrics))

	r.mu.Lock()
	if err != nil {
		e.err = err
		if r.pools[fp] == e {
			delete(r.pools, fp)
		}
	} else {
		e.pool = p
	}
	r.mu.Unlock()
	close(e.ready)

	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *Registry) join(ctx context.Context, fp string, e *entry, key Key, s Settings) (*Pool, error) {
	select {
	case <-e.ready:
	case <-ctx.Done():
		r.release(fp, e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	if s.Size != e.pool.Size() {
		r.logger.Warn("pool already initialized with a different size",
			zap.String("pool", key.String()), zap.Int("size", e.pool.Size()), zap.Int("requested", s.Size))
	}
	return e.pool, nil
}

// release drops a reference taken by a caller that gave up waiting. The
// creator still holds its own, so this never empties a live entry.
func (r *Registry) release(fp string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pools[fp] == e {
		e.refs--
	}
}

// Get returns the pool for key or ErrUnavailable.
func (r *Registry) Get(key Key) (*Pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.pools[key.Fingerprint()]; ok && e.pool != nil {
		return e.pool, nil
	}
	return nil, ErrUnavailable
}

// Teardown drops one reference. The last reference removes the pool and closes it,
// waiting for borrowed sessions until ctx ends.
func (r *Registry) Teardown(ctx context.Context, key Key) error {
	fp := key.Fingerprint()

	r.mu.Lock()
	e, ok := r.pools[fp]
	if !ok || e.pool == nil {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.pools, fp)
	r.mu.Unlock()

	return e.pool.Close(ctx)
}

// Len is the number of live pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.pools {
		if e.pool != nil {
			n++
		}
	}
	return n
}

// Stats snapshots every live pool by name.
func (r *Registry) Stats() map[string]Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stat, len(r.pools))
	for _, e := range r.pools {
		if e.pool != nil {
			out[e.pool.Name()] = e.pool.Stat()
		}
	}
	return out
}
