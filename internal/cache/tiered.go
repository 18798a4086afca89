package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stats counts tiered cache outcomes.
type Stats struct {
	MemoryHits  uint64 `json:"memory_hits"`
	DiskHits    uint64 `json:"disk_hits"`
	Misses      uint64 `json:"misses"`
	Writes      uint64 `json:"writes"`
	DiskErrors  uint64 `json:"disk_errors"`
	SweptMemory uint64 `json:"swept_memory"`
	SweptDisk   uint64 `json:"swept_disk"`
}

// Tiered is the memory-then-disk cache. Disk writes are best-effort:
// a failed disk write is logged and the memory tier still serves the
// entry.
type Tiered struct {
	memory *Memory
	disk   *Disk
	logger *zap.Logger
	ttl    time.Duration
	clock  func() time.Time

	mu     sync.Mutex
	stats  Stats
	stopCh chan struct{}
	once   sync.Once
}

// NewTiered assembles the dual-tier cache and starts the background
// sweeper at the given interval.
func NewTiered(memory *Memory, disk *Disk, ttl, sweepInterval time.Duration, logger *zap.Logger) *Tiered {
	t := &Tiered{
		memory: memory,
		disk:   disk,
		logger: logger,
		ttl:    ttl,
		clock:  time.Now,
		stopCh: make(chan struct{}),
	}
	go t.sweepLoop(sweepInterval)
	return t
}

// Get reads memory first, then disk. A disk hit is promoted into the
// memory tier with its remaining TTL.
func (t *Tiered) Get(key string) ([]byte, bool) {
	now := t.clock()

	if payload, ok := t.memory.Get(key, now); ok {
		t.count(func(s *Stats) { s.MemoryHits++ })
		return payload, true
	}

	payload, ok, err := t.disk.Get(key, now)
	if err != nil {
		t.logger.Warn("Disk cache read failed", zap.String("key", key), zap.Error(err))
		t.count(func(s *Stats) { s.DiskErrors++ })
		return nil, false
	}
	if !ok {
		t.count(func(s *Stats) { s.Misses++ })
		return nil, false
	}

	t.memory.Put(key, payload, now.Add(t.ttl))
	t.count(func(s *Stats) { s.DiskHits++ })
	return payload, true
}

// Put writes both tiers with the configured TTL.
func (t *Tiered) Put(key string, payload []byte) {
	now := t.clock()
	expiresAt := now.Add(t.ttl)

	t.memory.Put(key, payload, expiresAt)
	if err := t.disk.Put(key, payload, now, expiresAt); err != nil {
		t.logger.Warn("Disk cache write failed", zap.String("key", key), zap.Error(err))
		t.count(func(s *Stats) { s.DiskErrors++ })
	}
	t.count(func(s *Stats) { s.Writes++ })
}

// Delete removes the key from both tiers.
func (t *Tiered) Delete(key string) {
	t.memory.Delete(key)
	if err := t.disk.Delete(key); err != nil {
		t.logger.Warn("Disk cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Stats returns a copy of the counters.
func (t *Tiered) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close stops the sweeper and closes the disk tier.
func (t *Tiered) Close() error {
	t.once.Do(func() { close(t.stopCh) })
	return t.disk.Close()
}

func (t *Tiered) count(f func(*Stats)) {
	t.mu.Lock()
	f(&t.stats)
	t.mu.Unlock()
}

func (t *Tiered) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := t.clock()
			memSwept := t.memory.Sweep(now)
			diskSwept, err := t.disk.Sweep(now)
			if err != nil {
				t.logger.Error("Disk cache sweep failed", zap.Error(err))
				continue
			}
			t.count(func(s *Stats) {
				s.SweptMemory += uint64(memSwept)
				s.SweptDisk += uint64(diskSwept)
			})
			if memSwept > 0 || diskSwept > 0 {
				t.logger.Debug("Cache sweep completed",
					zap.Int("memory_removed", memSwept),
					zap.Int("disk_removed", diskSwept))
			}
		case <-t.stopCh:
			return
		}
	}
}
