// Package store holds the in-memory dataset: a sharded concurrent map of
// entries, a sparse TTL index, a pub/sub broker and the dirty flag the
// snapshotter keys off.
package store

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvserve/kvserve/internal/logging"
	"github.com/kvserve/kvserve/internal/metrics"
	"github.com/kvserve/kvserve/internal/pubsub"
	"github.com/kvserve/kvserve/internal/snapshot"
)

const shardCount = 16

const (
	defaultExpireInterval   = 100 * time.Millisecond
	defaultExpireSample     = 20
	defaultSnapshotInterval = 60 * time.Second
)

type shard struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// Store is shared by reference across all connection tasks. Entries are
// sharded, so entry reads and writes on keys in different shards do not
// contend. The TTL index is a single map behind one mutex that every Set,
// Get and Del takes briefly, so those calls do serialize on it. There are
// no cross-key transactions.
type Store struct {
	shards [shardCount]shard
	seed   maphash.Seed

	expMu       sync.Mutex
	expirations map[string]time.Time

	broker *pubsub.Broker
	dirty  atomic.Bool

	dumpPath         string
	expireInterval   time.Duration
	expireSample     int
	snapshotInterval time.Duration

	logger *slog.Logger
	wg     sync.WaitGroup
}

type Option func(*Store)

// WithDumpPath sets the snapshot file; empty disables persistence.
func WithDumpPath(p string) Option { return func(s *Store) { s.dumpPath = p } }

func WithExpireInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.expireInterval = d
		}
	}
}

func WithExpireSample(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.expireSample = n
		}
	}
}

func WithSnapshotInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.snapshotInterval = d
		}
	}
}

func WithBroker(b *pubsub.Broker) Option { return func(s *Store) { s.broker = b } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		seed:             maphash.MakeSeed(),
		expirations:      make(map[string]time.Time),
		expireInterval:   defaultExpireInterval,
		expireSample:     defaultExpireSample,
		snapshotInterval: defaultSnapshotInterval,
		logger:           logging.L(),
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string][]byte)
	}
	for _, o := range opts {
		o(s)
	}
	if s.broker == nil {
		s.broker = pubsub.NewBroker(pubsub.DefaultCapacity)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}

// Set stores value under key. A nil ttl removes any previous deadline; a
// non-nil ttl (zero included) arms one at now+ttl.
func (s *Store) Set(key string, value []byte, ttl *time.Duration) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.entries[key] = value
	sh.mu.Unlock()
	s.expMu.Lock()
	if ttl != nil {
		s.expirations[key] = time.Now().Add(*ttl)
	} else {
		delete(s.expirations, key)
	}
	s.expMu.Unlock()
	s.dirty.Store(true)
}

// Get returns the value under key. A key past its deadline is removed and
// reported absent, independent of the active expirer.
func (s *Store) Get(key string) ([]byte, bool) {
	s.expMu.Lock()
	deadline, hasTTL := s.expirations[key]
	expired := hasTTL && !deadline.After(time.Now())
	if expired {
		delete(s.expirations, key)
	}
	s.expMu.Unlock()
	sh := s.shardFor(key)
	if expired {
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
		metrics.AddExpired(1)
		return nil, false
	}
	sh.mu.RLock()
	v, ok := sh.entries[key]
	sh.mu.RUnlock()
	return v, ok
}

// Del removes key from both maps and reports whether a value was present.
func (s *Store) Del(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, present := sh.entries[key]
	delete(sh.entries, key)
	sh.mu.Unlock()
	s.expMu.Lock()
	delete(s.expirations, key)
	s.expMu.Unlock()
	if present {
		s.dirty.Store(true)
	}
	return present
}

// Len reports the entry count across all shards.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Items copies the dataset out, shard by shard. Used by the snapshotter;
// the copy is consistent per key, not across keys.
func (s *Store) Items() map[string][]byte {
	out := make(map[string][]byte, s.Len())
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k, v := range sh.entries {
			out[k] = v
		}
		sh.mu.RUnlock()
	}
	return out
}

// Load bulk-inserts entries without touching the dirty flag or the TTL
// index. Reloaded keys have no expiration.
func (s *Store) Load(entries map[string][]byte) {
	for k, v := range entries {
		sh := s.shardFor(k)
		sh.mu.Lock()
		sh.entries[k] = v
		sh.mu.Unlock()
	}
}

// Subscribe and Publish expose the pub/sub broker.
func (s *Store) Subscribe(channel string) *pubsub.Receiver { return s.broker.Subscribe(channel) }

func (s *Store) Publish(channel string, msg []byte) int { return s.broker.Publish(channel, msg) }

// Dirty reports whether a write was applied since the last snapshot was
// initiated.
func (s *Store) Dirty() bool { return s.dirty.Load() }

// Save writes a snapshot of the current entries to the dump path. The
// dirty flag is cleared when the snapshot is initiated and restored on
// failure so the next background cycle retries.
func (s *Store) Save() error {
	if s.dumpPath == "" {
		return nil
	}
	wasDirty := s.dirty.Swap(false)
	start := time.Now()
	items := s.Items()
	if err := snapshot.Write(s.dumpPath, items); err != nil {
		if wasDirty {
			s.dirty.Store(true)
		}
		metrics.IncSnapshotFailure()
		return err
	}
	metrics.IncSnapshotSuccess(len(items), time.Since(start))
	return nil
}

// Start launches the active expirer and, when a dump path is set, the
// periodic snapshotter. They run until ctx is cancelled; Wait blocks until
// they have exited.
func (s *Store) Start(ctx context.Context) {
	s.runTask(ctx, "expirer", s.expireLoop)
	if s.dumpPath != "" {
		s.runTask(ctx, "snapshotter", s.snapshotLoop)
	}
}

// Wait blocks until background tasks have stopped.
func (s *Store) Wait() { s.wg.Wait() }

// runTask isolates a background task: a panic is logged and terminates
// only that task, never the process.
func (s *Store) runTask(ctx context.Context, name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("task_panic", "task", name, "panic", r)
			}
		}()
		fn(ctx)
	}()
}

// expireLoop samples the TTL index on a fixed tick and evicts entries
// past deadline. Correctness does not depend on it; Get expires lazily.
func (s *Store) expireLoop(ctx context.Context) {
	t := time.NewTicker(s.expireInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := s.evictExpired(s.expireSample); n > 0 {
				metrics.AddExpired(n)
				s.logger.Debug("expired_keys_evicted", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// evictExpired checks up to sample keys. Go map iteration starts at a
// random cursor, which is exactly the arbitrary sampling wanted here.
func (s *Store) evictExpired(sample int) int {
	now := time.Now()
	var expired []string
	s.expMu.Lock()
	seen := 0
	for key, deadline := range s.expirations {
		if seen++; seen > sample {
			break
		}
		if !deadline.After(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(s.expirations, key)
	}
	s.expMu.Unlock()
	for _, key := range expired {
		sh := s.shardFor(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.mu.Unlock()
	}
	return len(expired)
}

func (s *Store) snapshotLoop(ctx context.Context) {
	t := time.NewTicker(s.snapshotInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if !s.dirty.Load() {
				continue
			}
			if err := s.Save(); err != nil {
				s.logger.Error("auto_save_failed", "error", err, "path", s.dumpPath)
				continue
			}
			s.logger.Info("auto_saved", "keys", s.Len(), "path", s.dumpPath)
		case <-ctx.Done():
			return
		}
	}
}
