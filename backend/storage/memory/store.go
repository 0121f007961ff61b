package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-portal/backend/storage"
	"github.com/rs/zerolog"
)

const (
	defaultSweepInterval = time.Minute
)

type item struct {
	blob      []byte
	expiresAt time.Time
}

func (it item) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// MemStore keeps blobs in process memory. Every put renews the ttl of the key.
type MemStore struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	db     map[string]item
	ttl    time.Duration
	now    func() time.Time
}

type Config struct {
	Logger *zerolog.Logger

	// TTL of a key since its last put, zero means keys never expire.
	TTL time.Duration

	// Clock is used for expiry, time.Now by default.
	Clock func() time.Time
}

func NewMemStore(cfg Config) *MemStore {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "memstore").Logger()
	}
	return &MemStore{
		logger: logger,
		mx:     &sync.Mutex{},
		db:     make(map[string]item),
		ttl:    cfg.TTL,
		now:    now,
	}
}

func (ms *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	it, ok := ms.db[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if it.expired(ms.now()) {
		delete(ms.db, key)
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), it.blob...), nil
}

func (ms *MemStore) Put(_ context.Context, key string, blob []byte) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	it := item{blob: append([]byte(nil), blob...)}
	if ms.ttl > 0 {
		it.expiresAt = ms.now().Add(ms.ttl)
	}
	ms.db[key] = it
	return nil
}

func (ms *MemStore) Delete(_ context.Context, key string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.db, key)
	return nil
}

// Sweep drops expired keys and returns how many were dropped.
func (ms *MemStore) Sweep() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	var (
		n   int
		now = ms.now()
	)
	for key, it := range ms.db {
		if it.expired(now) {
			delete(ms.db, key)
			n++
		}
	}
	return n
}

// Run sweeps expired keys until ctx is done.
func (ms *MemStore) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		ms.logger.Debug().Msg("sweeper stopped")
		wg.Done()
	}()
	if ms.ttl <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ms.Sweep(); n > 0 {
				ms.logger.Debug().Int("count", n).Msg("expired keys swept")
			}
		}
	}
}
