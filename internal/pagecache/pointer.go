package pagecache

import "sync"

// writersListener is the capability CachePointer uses to tell its owning
// cache that a page's writer count crossed 0↔1 (§4.3, §9 "Polymorphism via
// callbacks"). It is set at construction or, for a caller-built pointer, by
// attachListener on its first Store, and is never replaced once set, so a
// CachePointer never strongly owns its cache — avoiding the circular-ownership hazard the design note warns
// about.
type writersListener interface {
	addOnlyWriters(key PageKey)
	removeOnlyWriters(key PageKey)
}

// CachePointer pins one page_size buffer and tracks the reference counts,
// version, and flags described in §3/§4.3. All operations are safe for
// concurrent use; callers still take the matching PartitionedPageLocks
// partition before mutating buffer contents, per the invariant in §3.
type CachePointer struct {
	Key PageKey

	mu  sync.RWMutex // guards buf contents (the "rw_lock" of §4.3)
	buf []byte

	countersMu    sync.Mutex
	readersCount  int
	writersCount  int
	version       uint64
	inWriteCache  bool
	notFlushed    bool
	listener      writersListener
}

// newCachePointer creates a pointer over buf (exactly page_size bytes),
// belonging to key, with the given writers-listener.
func newCachePointer(key PageKey, buf []byte, listener writersListener) *CachePointer {
	return &CachePointer{Key: key, buf: buf, listener: listener}
}

// NewCachePointer creates a pointer over buf for external callers building a
// page outside of Load (e.g. the read layer assembling a new write before
// calling Cache.Store). It carries no writers-listener until Store attaches
// the owning cache to it.
func NewCachePointer(fileID int32, pageIndex int64, buf []byte) *CachePointer {
	return newCachePointer(PageKey{FileID: fileID, PageIndex: pageIndex}, buf, nil)
}

// attachListener binds the owning cache once, the first time a pointer is
// stored under a key the cache did not itself allocate.
func (p *CachePointer) attachListener(l writersListener) {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	if p.listener == nil {
		p.listener = l
	}
}

// AcquireSharedBuffer/ReleaseShared guard read access to the buffer.
func (p *CachePointer) AcquireSharedBuffer() { p.mu.RLock() }
func (p *CachePointer) ReleaseShared()        { p.mu.RUnlock() }

// AcquireExclusiveBuffer/ReleaseExclusive guard write access to the buffer.
// ReleaseExclusive bumps the version counter, since by contract every
// exclusive hold that reaches release is assumed to have mutated the page;
// callers that only inspected the buffer should use AcquireSharedBuffer
// instead.
func (p *CachePointer) AcquireExclusiveBuffer() { p.mu.Lock() }
func (p *CachePointer) ReleaseExclusive() {
	p.countersMu.Lock()
	p.version++
	p.countersMu.Unlock()
	p.mu.Unlock()
}

// TryAcquireShared attempts a non-blocking shared acquisition; the flusher
// uses this to skip pages currently under exclusive mutation (§4.3).
func (p *CachePointer) TryAcquireShared() bool { return p.mu.TryRLock() }

// SharedBuffer returns the underlying buffer. Callers must hold the shared
// or exclusive lock.
func (p *CachePointer) SharedBuffer() []byte { return p.buf }

// Version returns the current version counter.
func (p *CachePointer) Version() uint64 {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	return p.version
}

// IncrementReaders increments the external-reader count. The 0→1 transition
// while writers are held means this page no longer qualifies for
// exclusive_write_pages (§8: membership requires readers_count==0), so it
// notifies the writers-listener to remove it.
func (p *CachePointer) IncrementReaders() {
	p.countersMu.Lock()
	p.readersCount++
	becameReaderOne := p.readersCount == 1
	writers := p.writersCount
	p.countersMu.Unlock()
	if becameReaderOne && writers > 0 && p.listener != nil {
		p.listener.removeOnlyWriters(p.Key)
	}
}

// DecrementReaders decrements the external-reader count. It reports whether
// both counts are now zero, meaning the buffer may be recycled to the pool.
// The reader-count's 1→0 transition while writers are still held re-qualifies
// this page for exclusive_write_pages, so it notifies the writers-listener to
// add it back.
func (p *CachePointer) DecrementReaders() (recyclable bool) {
	p.countersMu.Lock()
	if p.readersCount > 0 {
		p.readersCount--
	}
	becameReaderZero := p.readersCount == 0
	writers := p.writersCount
	recyclable = p.readersCount == 0 && p.writersCount == 0
	p.countersMu.Unlock()
	if becameReaderZero && writers > 0 && p.listener != nil {
		p.listener.addOnlyWriters(p.Key)
	}
	return recyclable
}

// IncrementWriters increments the write-cache referrer count. The
// first-to-one transition notifies the writers-listener that this page has
// become exclusive, provided readersCount is zero at that moment (checked
// here under countersMu).
func (p *CachePointer) IncrementWriters() {
	p.countersMu.Lock()
	p.writersCount++
	becameWriterOnly := p.writersCount == 1
	readers := p.readersCount
	p.countersMu.Unlock()
	if becameWriterOnly && readers == 0 && p.listener != nil {
		p.listener.addOnlyWriters(p.Key)
	}
}

// DecrementWriters decrements the write-cache referrer count. The
// last-to-zero transition notifies the writers-listener to remove this page
// from the exclusive set, and reports whether the buffer is now recyclable.
func (p *CachePointer) DecrementWriters() (recyclable bool) {
	p.countersMu.Lock()
	if p.writersCount > 0 {
		p.writersCount--
	}
	becameEmpty := p.writersCount == 0
	readers := p.readersCount
	p.countersMu.Unlock()
	if becameEmpty && p.listener != nil {
		p.listener.removeOnlyWriters(p.Key)
	}
	return readers == 0 && becameEmpty
}

// readersAndWriters returns the current counts atomically.
func (p *CachePointer) readersAndWriters() (readers, writers int) {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	return p.readersCount, p.writersCount
}

func (p *CachePointer) setInWriteCache(v bool) {
	p.countersMu.Lock()
	p.inWriteCache = v
	p.countersMu.Unlock()
}

func (p *CachePointer) InWriteCache() bool {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	return p.inWriteCache
}

func (p *CachePointer) setNotFlushed(v bool) {
	p.countersMu.Lock()
	p.notFlushed = v
	p.countersMu.Unlock()
}

func (p *CachePointer) NotFlushed() bool {
	p.countersMu.Lock()
	defer p.countersMu.Unlock()
	return p.notFlushed
}
