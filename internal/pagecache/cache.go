package pagecache

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Latch is the one-shot overflow latch returned by Store when
// exclusive_write_cache_size exceeds its configured maximum (§4.4.2).
// Callers should Wait before issuing further stores.
type Latch struct {
	once sync.Once
	done chan struct{}
}

func newLatch() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Wait blocks until the flusher has drained enough exclusive pages to
// release this latch, or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Latch) complete() {
	l.once.Do(func() { close(l.done) })
}

// Stats is a structured snapshot of the cache's counters, in place of
// printing chunk statistics to stdout (§9 open question #3).
type Stats struct {
	WriteCacheSize          int
	ExclusiveWriteCacheSize int
	NotFlushedPages         int
	ChunksFlushed           int64
	PagesFlushed            int64
	BytesFlushed            int64
	OverflowLatches         int64
}

// Cache is the public facade described in §4.4 ("WOWCache" in the original
// design). It owns the page directory, the partitioned locks, the file
// registry, the open-file container, the buffer pool, and the background
// flusher, and orchestrates them behind Load/Store/Flush/Close/Verify.
//
// Grounded on the teacher's Pager struct (pager/pager.go) as the facade
// shape — one struct owning file + wal + pool + config, exposing the
// public verbs — retargeted from single-file B+Tree paging to a
// multi-file, reference-counted, multi-writer cache.
type Cache struct {
	cfg       Config
	dir       string
	storageID uint32

	registry  *FileRegistry
	locks     *PartitionedPageLocks
	directory *PageDirectory
	files     *OpenFileContainer
	bufPool   *BufferPool
	wal       WAL
	events    *eventBus
	flusher   *Flusher

	latchMu sync.Mutex
	latch   *Latch

	fsMu           sync.Mutex
	newPagesAdded  int64
	lastCheckPages int64

	chunksFlushed   atomic.Int64
	pagesFlushed    atomic.Int64
	bytesFlushed    atomic.Int64
	overflowLatches atomic.Int64

	closed atomic.Bool
}

// Open creates or opens a cache rooted at dir, using wal as the WAL
// collaborator (pass NoOpWAL{} for WAL-less operation).
func Open(dir string, cfg Config, wal WAL) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if wal == nil {
		wal = NoOpWAL{}
	}

	registry, err := LoadOrCreate(dir)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	storageID := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])

	c := &Cache{
		cfg:       cfg,
		dir:       dir,
		storageID: storageID,
		registry:  registry,
		locks:     NewPartitionedPageLocks(cfg.PartitionCount),
		directory: NewPageDirectory(),
		bufPool:   NewBufferPool(cfg.PageSize),
		wal:       wal,
		events:    newEventBus(),
	}
	c.files = NewOpenFileContainer(cfg.PartitionCount, func(fileID int32) (FileHandle, error) {
		return openOSFile(filepath.Join(dir, fmt.Sprintf("file-%d.dat", fileID)))
	})
	c.flusher = newFlusher(c)
	c.flusher.start()
	return c, nil
}

// StorageID returns this cache instance's storage id, the high 32 bits of
// every composed external file id it produces (§6).
func (c *Cache) StorageID() uint32 { return c.storageID }

// ── writersListener ─────────────────────────────────────────────────────

func (c *Cache) addOnlyWriters(key PageKey) {
	c.directory.addOnlyWriters(key)
}

func (c *Cache) removeOnlyWriters(key PageKey) {
	c.directory.removeOnlyWriters(key)
}

// ── file lifecycle ───────────────────────────────────────────────────────

// AddFile registers a new file name, returning its composed external id
// (§4.2, §6).
func (c *Cache) AddFile(name string) (int64, error) {
	internal, err := c.registry.Add(name)
	if err != nil {
		return 0, err
	}
	return ComposeExternalID(c.storageID, internal), nil
}

// LookupFile resolves name to its composed external id, failing with
// ErrUnknownFile if the name has never been registered or is tombstoned.
func (c *Cache) LookupFile(name string) (int64, error) {
	internal, active, known := c.registry.Lookup(name)
	if !known || !active {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFile, name)
	}
	return ComposeExternalID(c.storageID, internal), nil
}

// RenameFile renames old to new in the registry. Nothing on disk is renamed:
// data files are named after their file id (file-<id>.dat), not their name.
func (c *Cache) RenameFile(old, new string) error {
	return c.registry.Rename(old, new, nil)
}

func (c *Cache) internalID(externalOrInternal int64) int32 {
	if externalOrInternal>>32 != 0 {
		return ExtractInternalID(externalOrInternal)
	}
	return int32(externalOrInternal)
}

// ── Load / Store ─────────────────────────────────────────────────────────

// Load implements §4.4.1: return up to pageCount pages starting at
// startPage for fileID, reading from disk and optionally allocating new
// pages past EOF.
func (c *Cache) Load(ctx context.Context, fileExternalID int64, startPage int64, pageCount int, addNewPages bool) ([]*CachePointer, error) {
	if pageCount < 1 {
		return nil, ErrInvalidPageCount
	}
	fileID := c.internalID(fileExternalID)

	// Step 2-3: single-key fast path (cache hit).
	firstKey := PageKey{FileID: fileID, PageIndex: startPage}
	g := c.locks.AcquireShared(firstKey)
	if ptr, ok := c.directory.Get(firstKey); ok {
		ptr.IncrementReaders()
		g.Release()
		return []*CachePointer{ptr}, nil
	}
	g.Release()

	// Step 4: miss — batch-acquire shared partitions for the whole range
	// and read from the file layer.
	keys := keyRange(fileID, startPage, pageCount)
	batch := c.locks.AcquireSharedBatch(keys)
	released := false
	release := func() {
		if !released {
			released = true
			batch.Release()
		}
	}
	defer release()

	handle, err := c.files.Acquire(fileID)
	if err != nil {
		return nil, err
	}

	size, err := handle.Size()
	if err != nil {
		return nil, err
	}
	pageSize := int64(c.cfg.PageSize)
	startOffset := startPage * pageSize

	if startOffset >= size {
		if !addNewPages {
			return nil, nil
		}
		release()
		return c.loadAllocate(ctx, fileID, handle, startPage, size)
	}

	available := int((size - startOffset) / pageSize)
	toRead := pageCount
	if available < toRead {
		toRead = available
	}
	if toRead < 1 {
		if !addNewPages {
			return nil, nil
		}
		release()
		return c.loadAllocate(ctx, fileID, handle, startPage, size)
	}

	bufs := make([][]byte, toRead)
	for i := range bufs {
		bufs[i] = c.bufPool.Acquire(false)
	}
	if _, err := handle.ReadVectorAt(startOffset, bufs); err != nil {
		for _, b := range bufs {
			c.bufPool.Release(b)
		}
		return nil, fmt.Errorf("pagecache: read %d pages from file %d: %w", toRead, fileID, err)
	}

	result := make([]*CachePointer, 0, toRead)
	for i, buf := range bufs {
		key := PageKey{FileID: fileID, PageIndex: startPage + int64(i)}
		if existing, ok := c.directory.Get(key); ok {
			// Someone stored this page between our miss-check and now.
			c.bufPool.Release(buf)
			existing.IncrementReaders()
			result = append(result, existing)
			continue
		}
		ptr := newCachePointer(key, buf, nil)
		ptr.IncrementReaders()
		result = append(result, ptr)
	}
	return result, nil
}

// loadAllocate implements §4.4.1 step 6: extend the file to cover
// [allocationStart .. startPage] with zero pages.
func (c *Cache) loadAllocate(ctx context.Context, fileID int32, handle FileHandle, startPage int64, currentSize int64) ([]*CachePointer, error) {
	pageSize := int64(c.cfg.PageSize)
	allocationStart := currentSize / pageSize

	keys := keyRange(fileID, allocationStart, int(startPage-allocationStart)+1)
	batch := c.locks.AcquireExclusiveBatch(keys)
	defer batch.Release()

	newBytes := (startPage - allocationStart + 1) * pageSize
	if err := handle.Allocate(newBytes); err != nil {
		return nil, fmt.Errorf("pagecache: allocate %d bytes for file %d: %w", newBytes, fileID, err)
	}

	var result *CachePointer
	for _, key := range keys {
		buf := zeroPage(c.cfg.PageSize)
		ptr := newCachePointer(key, buf, c)
		ptr.setNotFlushed(true)
		c.directory.incNotFlushed()
		ptr.IncrementWriters()
		ptr.setInWriteCache(true)
		c.directory.PutIfAbsent(key, ptr)
		c.noteNewPagesAdded(1)
		if key.PageIndex == startPage {
			result = ptr
		}
	}

	if result == nil {
		// Requested page fell outside the allocated region; recurse.
		return c.Load(ctx, ComposeExternalID(c.storageID, int64(fileID)), startPage, 1, true)
	}
	result.IncrementReaders()
	return []*CachePointer{result}, nil
}

// Store implements §4.4.2: insert ptr into the write cache under key
// (fileID, pageIndex) if absent, otherwise assert idempotency; then check
// for exclusive-cache overflow.
func (c *Cache) Store(fileExternalID int64, pageIndex int64, ptr *CachePointer) (*Latch, error) {
	fileID := c.internalID(fileExternalID)
	key := PageKey{FileID: fileID, PageIndex: pageIndex}
	ptr.Key = key

	g := c.locks.AcquireExclusive(key)
	defer g.Release()

	if existing, ok := c.directory.Get(key); ok {
		if existing != ptr {
			return nil, fmt.Errorf("pagecache: store(%s): pointer mismatch with existing cached pointer", key)
		}
	} else {
		ptr.attachListener(c)
		c.directory.PutIfAbsent(key, ptr)
		ptr.IncrementWriters()
		ptr.setInWriteCache(true)
		// not_flushed is reserved for pages loadAllocate created past EOF that
		// have never been written to disk (§3, §4.4.1 step 6); an overwrite of
		// an existing page stored here does not count toward it.
		if _, noWAL := c.wal.(NoOpWAL); !noWAL {
			c.directory.UpdateDirtyPagesTable(key, c.wal.End())
		}
	}

	return c.checkExclusiveOverflow(), nil
}

func (c *Cache) checkExclusiveOverflow() *Latch {
	c.latchMu.Lock()
	defer c.latchMu.Unlock()

	if c.latch != nil {
		return c.latch
	}
	if c.directory.ExclusiveWriteCacheSize() > c.cfg.MaxExclusiveWriteCachePages {
		c.latch = newLatch()
		c.overflowLatches.Add(1)
		c.flusher.requestImmediate(flushKindExclusive, 0, 0)
		return c.latch
	}
	return nil
}

// releaseLatchIfBelowLowWater implements §4.5.3.
func (c *Cache) releaseLatchIfBelowLowWater() {
	c.latchMu.Lock()
	defer c.latchMu.Unlock()
	if c.latch == nil {
		return
	}
	ratio := float64(c.directory.ExclusiveWriteCacheSize()) / float64(c.cfg.MaxExclusiveWriteCachePages)
	if ratio <= c.cfg.ExclusiveLowWater {
		c.latch.complete()
		c.latch = nil
	}
}

// noteNewPagesAdded implements the accounting half of §4.4.3; the actual
// sampling and event firing happens in checkFreeSpace.
func (c *Cache) noteNewPagesAdded(n int64) {
	c.fsMu.Lock()
	c.newPagesAdded += n
	due := c.lastCheckPages == 0 || c.newPagesAdded-c.lastCheckPages > c.cfg.FreeSpaceCheckInterval
	if due {
		c.lastCheckPages = c.newPagesAdded
	}
	c.fsMu.Unlock()
	if due {
		c.checkFreeSpace()
	}
}

// checkFreeSpace implements §4.4.3: sample usable space and fire a
// low-disk-space event through the bounded errgroup fan-out pool if free
// space (after reserving room for not-yet-flushed pages) drops below the
// configured limit.
func (c *Cache) checkFreeSpace() {
	free, err := c.usableSpace()
	if err != nil {
		c.cfg.Logger.Printf("pagecache: usable-space check failed: %v", err)
		return
	}
	notFlushedBytes := int64(c.directory.NotFlushedCount()) * int64(c.cfg.PageSize)
	if free-notFlushedBytes < c.cfg.FreeSpaceLimitBytes {
		c.events.fanOutLowDiskSpace(LowDiskSpaceEvent{FreeBytes: free, LimitBytes: c.cfg.FreeSpaceLimitBytes})
	}
}

// usableSpace reports bytes available to an unprivileged writer on the
// filesystem backing the cache's storage directory. Backed directly by the
// syscall package rather than a third-party library: no disk-usage
// collaborator appears anywhere in the example pack, so this is the one
// concern in the cache with no grounded alternative to the standard library
// (see DESIGN.md).
func (c *Cache) usableSpace() (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.dir, &stat); err != nil {
		return 0, fmt.Errorf("pagecache: statfs %s: %w", c.dir, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

// ── flush / truncate / close / verify (§4.4, §4.6, §4.7) ─────────────────

// Flush forces every dirty page currently cached for fileID to disk.
func (c *Cache) Flush(fileExternalID int64) error {
	return c.flusher.submit(flushKindFile, c.internalID(fileExternalID), 0)
}

// FlushAll forces every dirty page in every file to disk.
func (c *Cache) FlushAll() error {
	for _, name := range c.registry.LiveNames() {
		id, err := c.LookupFile(name)
		if err != nil {
			continue
		}
		if err := c.Flush(id); err != nil {
			return err
		}
	}
	return nil
}

// FlushTillSegment forces every page dirtied in a segment before segment to disk,
// the building block MakeFuzzyCheckpoint uses (§4.7).
func (c *Cache) FlushTillSegment(segment int64) error {
	return c.flusher.submit(flushKindSegment, 0, segment)
}

// MakeFuzzyCheckpoint brackets a fuzzy checkpoint: logs its start record,
// flushes every page dirtied at or before the WAL's current end, logs the
// end record, then cuts WAL segments older than segment (§4.7, glossary).
func (c *Cache) MakeFuzzyCheckpoint(segment int64) error {
	if err := c.wal.LogFuzzyCheckpointStart(); err != nil {
		return fmt.Errorf("pagecache: fuzzy checkpoint start: %w", err)
	}
	end := c.wal.End()
	if err := c.FlushTillSegment(end.Segment + 1); err != nil {
		return err
	}
	if err := c.wal.LogFuzzyCheckpointEnd(); err != nil {
		return fmt.Errorf("pagecache: fuzzy checkpoint end: %w", err)
	}
	return c.wal.CutSegmentsSmallerThan(segment)
}

// TruncateFile discards every cached page for fileID without flushing it,
// then truncates the underlying file back to zero pages (§4.4).
func (c *Cache) TruncateFile(fileExternalID int64) error {
	fileID := c.internalID(fileExternalID)
	if err := c.flusher.submit(flushKindRemoveFile, fileID, 0); err != nil {
		return err
	}
	handle, err := c.files.Acquire(fileID)
	if err != nil {
		return err
	}
	return handle.Truncate(0)
}

// DeleteFile discards every cached page for fileID, closes and removes its
// handle, tombstones its registry entry, and removes the file on disk.
func (c *Cache) DeleteFile(fileExternalID int64) error {
	fileID := c.internalID(fileExternalID)
	if err := c.flusher.submit(flushKindRemoveFile, fileID, 0); err != nil {
		return err
	}
	if err := c.files.Forget(fileID); err != nil {
		return err
	}
	name, known := c.registry.NameForID(int64(fileID))
	if !known {
		return fmt.Errorf("%w: file id %d", ErrUnknownFile, fileID)
	}
	path := filepath.Join(c.dir, fmt.Sprintf("file-%d.dat", fileID))
	if err := c.registry.Delete(name); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pagecache: remove %s: %w", path, err)
	}
	return nil
}

// Close flushes (if requested) and releases the handle for a single file,
// without affecting any other open file.
func (c *Cache) Close(fileExternalID int64, flush bool) error {
	fileID := c.internalID(fileExternalID)
	if flush {
		if err := c.Flush(fileExternalID); err != nil {
			return err
		}
	}
	return c.files.Forget(fileID)
}

// CloseAll flushes every file, stops the background flush executor within
// its configured shutdown timeout, closes every open file handle, and
// rewrites the name registry (§4.7).
func (c *Cache) CloseAll() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.FlushAll(); err != nil {
		return err
	}
	if err := c.flusher.stop(c.cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := c.files.CloseAll(); err != nil {
		return err
	}
	return c.registry.Close()
}

// DeleteAll deletes every live file the way DeleteFile does (cached pages
// dropped without flushing, registry entry tombstoned, file removed from
// disk), then closes everything the same way CloseAll does and removes the
// name-map file.
func (c *Cache) DeleteAll() error {
	for _, name := range c.registry.LiveNames() {
		id, err := c.LookupFile(name)
		if err != nil {
			continue
		}
		if err := c.DeleteFile(id); err != nil {
			return err
		}
	}
	if err := c.CloseAll(); err != nil {
		return err
	}
	path := filepath.Join(c.dir, NameMapFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pagecache: remove %s: %w", path, err)
	}
	return nil
}

// VerifyProgress is reported periodically during Verify for long-running
// sweeps, in place of printing progress to stdout (§4.6).
type VerifyProgress struct {
	File           string
	PagesChecked   int64
	PagesTotal     int64
}

// Verify flushes every file and then walks every page on disk checking its
// magic number and CRC32 footer, reporting progress through onProgress
// (which may be nil) and aggregating every mismatch into the returned
// report (§4.6).
func (c *Cache) Verify(onProgress func(VerifyProgress)) (*VerifyReport, error) {
	if err := c.FlushAll(); err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	pageSize := int64(c.cfg.PageSize)
	buf := make([]byte, pageSize)

	for _, name := range c.registry.LiveNames() {
		externalID, err := c.LookupFile(name)
		if err != nil {
			continue
		}
		fileID := c.internalID(externalID)
		handle, err := c.files.Acquire(fileID)
		if err != nil {
			return nil, err
		}
		size, err := handle.Size()
		if err != nil {
			return nil, err
		}
		total := size / pageSize

		lastReport := time.Now()
		for pageIndex := int64(0); pageIndex < total; pageIndex++ {
			if _, err := handle.ReadAt(pageIndex*pageSize, buf); err != nil {
				return nil, fmt.Errorf("pagecache: verify read %s page %d: %w", name, pageIndex, err)
			}
			if verr := VerifyPageFooter(buf, name, pageIndex); verr != nil {
				report.Errors = append(report.Errors, verr)
			}
			if onProgress != nil && time.Since(lastReport) > 5*time.Second {
				onProgress(VerifyProgress{File: name, PagesChecked: pageIndex + 1, PagesTotal: total})
				lastReport = time.Now()
			}
		}
		if onProgress != nil {
			onProgress(VerifyProgress{File: name, PagesChecked: total, PagesTotal: total})
		}
	}
	return report, nil
}

// Stats returns a structured snapshot of the cache's counters (§9 open
// question #3 — never print chunk statistics to stdout).
func (c *Cache) Stats() Stats {
	return Stats{
		WriteCacheSize:          c.directory.Len(),
		ExclusiveWriteCacheSize: c.directory.ExclusiveWriteCacheSize(),
		NotFlushedPages:         c.directory.NotFlushedCount(),
		ChunksFlushed:           c.chunksFlushed.Load(),
		PagesFlushed:            c.pagesFlushed.Load(),
		BytesFlushed:            c.bytesFlushed.Load(),
		OverflowLatches:         c.overflowLatches.Load(),
	}
}

// GetFilledUpTo returns the number of pages currently occupied on disk for
// fileID.
func (c *Cache) GetFilledUpTo(fileExternalID int64) (int64, error) {
	fileID := c.internalID(fileExternalID)
	handle, err := c.files.Acquire(fileID)
	if err != nil {
		return 0, err
	}
	size, err := handle.Size()
	if err != nil {
		return 0, err
	}
	return size / int64(c.cfg.PageSize), nil
}

// GetMinimalNotFlushedLSN returns the smallest LSN in the shared dirty-pages
// table, or ok=false if it is empty. Pages the flusher has already drained
// into its own local table are not considered.
func (c *Cache) GetMinimalNotFlushedLSN() (LSN, bool) {
	return c.directory.PeekMinDirtyLSN()
}

// OnLowDiskSpace registers a listener for low-disk-space events (§6).
func (c *Cache) OnLowDiskSpace(fn func(LowDiskSpaceEvent)) Unregister {
	return c.events.OnLowDiskSpace(fn)
}

// OnBackgroundException registers a listener for background-exception
// events (§6, §7).
func (c *Cache) OnBackgroundException(fn func(BackgroundExceptionEvent)) Unregister {
	return c.events.OnBackgroundException(fn)
}
