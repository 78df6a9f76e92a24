package mapping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore keeps records in process memory with TTL expiry. A
// background sweeper reclaims expired records; Get also refuses
// records past their deadline so expiry never depends on sweep timing.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record

	log  *zap.Logger
	done chan struct{}
	once sync.Once

	// expired counts records removed by sweep, for the status endpoint.
	expired int64
}

// NewMemoryStore creates the store and starts a sweeper with the given
// interval. A non-positive interval disables the sweeper.
func NewMemoryStore(sweepInterval time.Duration, log *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		records: make(map[string]Record),
		log:     log,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return ErrExists
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, bool, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok || time.Now().After(rec.ExpiresAt()) {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if now.After(rec.ExpiresAt()) {
			delete(s.records, id)
			removed++
		}
	}
	s.expired += int64(removed)
	return removed, nil
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Expired returns the total number of records reclaimed by sweeps.
func (s *MemoryStore) Expired() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expired
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, _ := s.Sweep(context.Background()); n > 0 && s.log != nil {
				s.log.Debug("swept expired mappings", zap.Int("removed", n))
			}
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
