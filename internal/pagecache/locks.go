package pagecache

import (
	"hash/maphash"
	"sort"
	"sync"
)

// PartitionedPageLocks is a fixed array of per-shard readers/writer locks,
// indexed by hash(PageKey) mod N (§4.1). Multi-key acquisitions must go
// through AcquireSharedBatch/AcquireExclusiveBatch, which sort keys into
// natural PageKey order before acquiring — the deadlock-avoidance contract
// of the whole cache.
type PartitionedPageLocks struct {
	seed       maphash.Seed
	partitions []sync.RWMutex
}

// NewPartitionedPageLocks creates a lock set with the given number of
// shards.
func NewPartitionedPageLocks(n int) *PartitionedPageLocks {
	if n < 1 {
		n = 1
	}
	return &PartitionedPageLocks{
		seed:       maphash.MakeSeed(),
		partitions: make([]sync.RWMutex, n),
	}
}

func (l *PartitionedPageLocks) shard(key PageKey) int {
	var h maphash.Hash
	h.SetSeed(l.seed)
	var buf [12]byte
	buf[0] = byte(key.FileID)
	buf[1] = byte(key.FileID >> 8)
	buf[2] = byte(key.FileID >> 16)
	buf[3] = byte(key.FileID >> 24)
	for i := 0; i < 8; i++ {
		buf[4+i] = byte(key.PageIndex >> (8 * i))
	}
	h.Write(buf[:])
	return int(h.Sum64() % uint64(len(l.partitions)))
}

// Guard releases the locks acquired for a single-key or batch acquisition.
type Guard struct {
	locks     *PartitionedPageLocks
	shards    []int
	exclusive bool
}

// Release unlocks every partition this guard holds, in reverse acquisition
// order.
func (g *Guard) Release() {
	for i := len(g.shards) - 1; i >= 0; i-- {
		s := g.shards[i]
		if g.exclusive {
			g.locks.partitions[s].Unlock()
		} else {
			g.locks.partitions[s].RUnlock()
		}
	}
}

// AcquireShared locks the single partition covering key in shared mode.
func (l *PartitionedPageLocks) AcquireShared(key PageKey) *Guard {
	s := l.shard(key)
	l.partitions[s].RLock()
	return &Guard{locks: l, shards: []int{s}, exclusive: false}
}

// AcquireExclusive locks the single partition covering key in exclusive
// mode.
func (l *PartitionedPageLocks) AcquireExclusive(key PageKey) *Guard {
	s := l.shard(key)
	l.partitions[s].Lock()
	return &Guard{locks: l, shards: []int{s}, exclusive: true}
}

// sortedDistinctShards sorts keys into natural PageKey order and returns the
// distinct partition indices in that order, coalescing duplicates.
func (l *PartitionedPageLocks) sortedDistinctShards(keys []PageKey) []int {
	sorted := append([]PageKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	seen := make(map[int]bool, len(sorted))
	var shards []int
	for _, k := range sorted {
		s := l.shard(k)
		if !seen[s] {
			seen[s] = true
			shards = append(shards, s)
		}
	}
	return shards
}

// AcquireSharedBatch locks the partitions covering keys, in ascending
// PageKey order, in shared mode. Duplicate partitions are coalesced.
func (l *PartitionedPageLocks) AcquireSharedBatch(keys []PageKey) *Guard {
	shards := l.sortedDistinctShards(keys)
	for _, s := range shards {
		l.partitions[s].RLock()
	}
	return &Guard{locks: l, shards: shards, exclusive: false}
}

// AcquireExclusiveBatch locks the partitions covering keys, in ascending
// PageKey order, in exclusive mode. Duplicate partitions are coalesced.
func (l *PartitionedPageLocks) AcquireExclusiveBatch(keys []PageKey) *Guard {
	shards := l.sortedDistinctShards(keys)
	for _, s := range shards {
		l.partitions[s].Lock()
	}
	return &Guard{locks: l, shards: shards, exclusive: true}
}

// keyRange returns [start, start+count) as a PageKey slice for a given file,
// a convenience for building batch-acquire key sets over a contiguous run.
func keyRange(fileID int32, start int64, count int) []PageKey {
	keys := make([]PageKey, count)
	for i := 0; i < count; i++ {
		keys[i] = PageKey{FileID: fileID, PageIndex: start + int64(i)}
	}
	return keys
}
