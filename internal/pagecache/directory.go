package pagecache

import (
	"sync"

	"github.com/google/btree"
)

// btreeDegree is the branching factor used for both ordered structures. 32
// is the value google/btree's own examples and the wider pack use for
// small-key B-trees; it is not performance-critical here.
const btreeDegree = 32

// dirEntry is one node of writeCachePages: a PageKey together with its
// CachePointer, ordered by Key alone.
type dirEntry struct {
	Key PageKey
	Ptr *CachePointer
}

func dirEntryLess(a, b dirEntry) bool { return a.Key.Less(b.Key) }
func pageKeyLess(a, b PageKey) bool   { return a.Less(b) }

// PageDirectory owns the cache's two ordered structures (§3): the full set
// of cached pages, and the subset that is currently exclusive (dirty,
// writer-held, no external reader). It also owns the dirty_pages
// double-buffering scheme described in §9.
//
// Grounded on spec §9's "concurrent ordered map" requirement — point
// lookup, insert-if-absent, ordered per-file sub-range iteration, and
// tail-iteration from an arbitrary key — realized with
// github.com/google/btree (see DESIGN.md), since the teacher's own
// PageBufferPool is an unordered map+LRU list that cannot serve per-file
// range iteration.
type PageDirectory struct {
	mu sync.RWMutex // guards both B-trees below

	writeCachePages    *btree.BTreeG[dirEntry]
	exclusiveWritePages *btree.BTreeG[PageKey]

	notFlushedCount int

	dirtyMu    sync.RWMutex // the "dirty_pages_lock" of §9
	dirtyPages map[PageKey]LSN

	// Flusher-private reflection of dirtyPages, valid only on the flusher
	// goroutine — no lock needed (§4.5 preamble).
	localDirtyPages      map[PageKey]LSN
	localDirtyPagesByLSN map[LSN]map[PageKey]struct{}
}

// NewPageDirectory creates an empty directory.
func NewPageDirectory() *PageDirectory {
	return &PageDirectory{
		writeCachePages:      btree.NewG(btreeDegree, dirEntryLess),
		exclusiveWritePages:  btree.NewG(btreeDegree, pageKeyLess),
		dirtyPages:           make(map[PageKey]LSN),
		localDirtyPages:      make(map[PageKey]LSN),
		localDirtyPagesByLSN: make(map[LSN]map[PageKey]struct{}),
	}
}

// Get returns the pointer cached for key, if present.
func (d *PageDirectory) Get(key PageKey) (*CachePointer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.writeCachePages.Get(dirEntry{Key: key})
	if !ok {
		return nil, false
	}
	return e.Ptr, true
}

// PutIfAbsent inserts ptr under key if no pointer is already present,
// reporting the pointer now on record for key (either ptr itself, or the
// pre-existing one) and whether it was the one inserted.
func (d *PageDirectory) PutIfAbsent(key PageKey, ptr *CachePointer) (current *CachePointer, inserted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.writeCachePages.Get(dirEntry{Key: key}); ok {
		return e.Ptr, false
	}
	d.writeCachePages.ReplaceOrInsert(dirEntry{Key: key, Ptr: ptr})
	return ptr, true
}

// Remove deletes key from the write cache, returning the pointer that was
// there, if any.
func (d *PageDirectory) Remove(key PageKey) (*CachePointer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.writeCachePages.Delete(dirEntry{Key: key})
	if !ok {
		return nil, false
	}
	return e.Ptr, true
}

// Len returns write_cache_size, the number of cached pages.
func (d *PageDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.writeCachePages.Len()
}

// addOnlyWriters inserts key into exclusive_write_pages (§4.4).
func (d *PageDirectory) addOnlyWriters(key PageKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exclusiveWritePages.ReplaceOrInsert(key)
}

// removeOnlyWriters removes key from exclusive_write_pages (§4.4).
func (d *PageDirectory) removeOnlyWriters(key PageKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exclusiveWritePages.Delete(key)
}

// ExclusiveWriteCacheSize returns exclusive_write_cache_size.
func (d *PageDirectory) ExclusiveWriteCacheSize() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.exclusiveWritePages.Len()
}

// AscendFileRange calls fn for every entry belonging to fileID, in
// ascending page-index order, until fn returns false or the range is
// exhausted. This realizes the "ordered sub-range iteration per file"
// requirement of §9.
func (d *PageDirectory) AscendFileRange(fileID int32, fn func(key PageKey, ptr *CachePointer) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	low := dirEntry{Key: fileLowKey(fileID)}
	high := dirEntry{Key: fileHighKey(fileID)}
	d.writeCachePages.AscendRange(low, high, func(e dirEntry) bool {
		return fn(e.Key, e.Ptr)
	})
}

// AscendFrom calls fn for every entry at or after key (in natural PageKey
// order, spanning all files) until fn returns false or the tree is
// exhausted — the "tail-iteration from an arbitrary key" requirement of §9.
func (d *PageDirectory) AscendFrom(key PageKey, fn func(key PageKey, ptr *CachePointer) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.writeCachePages.AscendGreaterOrEqual(dirEntry{Key: key}, func(e dirEntry) bool {
		return fn(e.Key, e.Ptr)
	})
}

// AscendAll calls fn for every entry in ascending PageKey order.
func (d *PageDirectory) AscendAll(fn func(key PageKey, ptr *CachePointer) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.writeCachePages.Ascend(func(e dirEntry) bool {
		return fn(e.Key, e.Ptr)
	})
}

// AscendExclusive calls fn for every key currently in exclusive_write_pages,
// ascending, starting over from the beginning once exhausted is NOT done
// here — callers implement the "ring" restart described in §4.5's
// flushExclusiveIfNeeded themselves, since it spans multiple calls.
func (d *PageDirectory) AscendExclusive(fn func(key PageKey) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.exclusiveWritePages.Ascend(fn)
}

// incNotFlushed/decNotFlushed track count_of_not_flushed_pages.
func (d *PageDirectory) incNotFlushed() {
	d.mu.Lock()
	d.notFlushedCount++
	d.mu.Unlock()
}

func (d *PageDirectory) decNotFlushed() {
	d.mu.Lock()
	if d.notFlushedCount > 0 {
		d.notFlushedCount--
	}
	d.mu.Unlock()
}

// NotFlushedCount returns count_of_not_flushed_pages.
func (d *PageDirectory) NotFlushedCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notFlushedCount
}

// UpdateDirtyPagesTable inserts (key, lsn) into dirty_pages if key is
// absent, under the write side of dirty_pages_lock (§4.4, "put_if_absent").
func (d *PageDirectory) UpdateDirtyPagesTable(key PageKey, lsn LSN) {
	d.dirtyMu.Lock() // a plain map needs exclusive access even for put-if-absent
	defer d.dirtyMu.Unlock()
	if _, ok := d.dirtyPages[key]; !ok {
		d.dirtyPages[key] = lsn
	}
}

// RemoveDirty removes key from dirty_pages (and, if present, from the
// flusher-local reflection), used by snapshot-and-queue (§4.5.1 step 2).
func (d *PageDirectory) RemoveDirty(key PageKey) {
	d.dirtyMu.Lock()
	delete(d.dirtyPages, key)
	d.dirtyMu.Unlock()

	if lsn, ok := d.localDirtyPages[key]; ok {
		delete(d.localDirtyPages, key)
		if set, ok := d.localDirtyPagesByLSN[lsn]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(d.localDirtyPagesByLSN, lsn)
			}
		}
	}
}

// DrainDirtyPages moves every entry out of dirty_pages into
// local_dirty_pages/local_dirty_pages_by_lsn, under the write side of
// dirty_pages_lock (§4.5 flushByMinLSN step 1). Must only be called from
// the flusher goroutine.
func (d *PageDirectory) DrainDirtyPages() {
	d.dirtyMu.Lock()
	drained := d.dirtyPages
	d.dirtyPages = make(map[PageKey]LSN)
	d.dirtyMu.Unlock()

	for key, lsn := range drained {
		d.localDirtyPages[key] = lsn
		set, ok := d.localDirtyPagesByLSN[lsn]
		if !ok {
			set = make(map[PageKey]struct{})
			d.localDirtyPagesByLSN[lsn] = set
		}
		set[key] = struct{}{}
	}
}

// SmallestDirtyLSN returns the smallest LSN in local_dirty_pages_by_lsn and
// one of its keys, or ok=false if the flusher-local reflection is empty.
// Flusher-goroutine only.
func (d *PageDirectory) SmallestDirtyLSN() (lsn LSN, key PageKey, ok bool) {
	found := false
	for l, set := range d.localDirtyPagesByLSN {
		if len(set) == 0 {
			continue
		}
		if !found || l.Less(lsn) {
			lsn = l
			found = true
			for k := range set {
				key = k
				break
			}
		}
	}
	return lsn, key, found
}

// LocalDirtyLen returns the number of entries left in the flusher-local
// dirty-page reflection. Flusher-goroutine only.
func (d *PageDirectory) LocalDirtyLen() int {
	return len(d.localDirtyPages)
}

// PeekMinDirtyLSN scans dirty_pages (not the flusher-local reflection) for
// its smallest LSN, without draining anything. Used by the public
// GetMinimalNotFlushedLSN, which callers may invoke from any goroutine.
func (d *PageDirectory) PeekMinDirtyLSN() (lsn LSN, ok bool) {
	d.dirtyMu.RLock()
	defer d.dirtyMu.RUnlock()
	found := false
	for _, l := range d.dirtyPages {
		if !found || l.Less(lsn) {
			lsn = l
			found = true
		}
	}
	return lsn, found
}
