package pagecache

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// quietConfig returns a DefaultConfig tuned for fast, deterministic tests: a
// small page size and a background flush interval long enough that the
// periodic tick never interferes with a test driving flushes explicitly.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 128
	cfg.BackgroundFlushInterval = time.Hour
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

func TestCache_StoreFlushLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(dir, quietConfig(), NoOpWAL{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("accounts.dat")
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	ctx := context.Background()
	ptrs, err := cache.Load(ctx, fileID, 0, 1, true)
	if err != nil {
		t.Fatalf("Load (allocate): %v", err)
	}
	ptr := ptrs[0]

	ptr.AcquireExclusiveBuffer()
	copy(ptr.SharedBuffer()[MinPageSize:], []byte("hello-world"))
	ptr.ReleaseExclusive()
	ptr.DecrementReaders()

	if _, err := cache.Store(fileID, 0, ptr); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := cache.Flush(fileID); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := cache.Load(ctx, fileID, 0, 1, false)
	if err != nil {
		t.Fatalf("Load (reread): %v", err)
	}
	reloaded[0].AcquireSharedBuffer()
	got := string(reloaded[0].SharedBuffer()[MinPageSize : MinPageSize+len("hello-world")])
	reloaded[0].ReleaseShared()
	if got != "hello-world" {
		t.Fatalf("expected round-tripped content %q, got %q", "hello-world", got)
	}
}

func TestCache_NotFlushedOnlyCountsNeverWrittenAllocations(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(dir, quietConfig(), NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("fresh.dat")
	if err != nil {
		t.Fatal(err)
	}
	internal := ExtractInternalID(fileID)

	ctx := context.Background()
	ptrs, err := cache.Load(ctx, fileID, 0, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := cache.Stats().NotFlushedPages; got != 1 {
		t.Fatalf("expected 1 never-written page after allocation, got %d", got)
	}
	ptrs[0].DecrementReaders()

	if err := cache.Flush(fileID); err != nil {
		t.Fatal(err)
	}
	if got := cache.Stats().NotFlushedPages; got != 0 {
		t.Fatalf("expected not_flushed to clear once the page reached disk, got %d", got)
	}

	// Overwriting an already-on-disk page through Store must not re-inflate
	// not_flushed — that accounting is reserved for never-written allocations.
	buf := make([]byte, cache.cfg.PageSize)
	if _, err := cache.Store(fileID, 0, NewCachePointer(internal, 0, buf)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got := cache.Stats().NotFlushedPages; got != 0 {
		t.Fatalf("expected an overwrite of an existing page to leave not_flushed at 0, got %d", got)
	}
}

func TestCache_AdjacentPagesCoalesceIntoOneChunk(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(dir, quietConfig(), NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("log.dat")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// A single allocating Load past EOF zero-fills every page in the gap
	// (0..3), leaving all four adjacent in the write cache in one pass.
	if _, err := cache.Load(ctx, fileID, 3, 1, true); err != nil {
		t.Fatalf("Load (allocate gap): %v", err)
	}

	if err := cache.Flush(fileID); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	stats := cache.Stats()
	if stats.ChunksFlushed != 1 {
		t.Fatalf("expected 4 adjacent pages to coalesce into 1 chunk, flushed %d chunks", stats.ChunksFlushed)
	}
	if stats.PagesFlushed != 4 {
		t.Fatalf("expected 4 pages flushed, got %d", stats.PagesFlushed)
	}
}

func TestCache_VerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig()
	cache, err := Open(dir, cfg, NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("ledger.dat")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ptrs, err := cache.Load(ctx, fileID, 0, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	ptrs[0].DecrementReaders()
	if err := cache.Flush(fileID); err != nil {
		t.Fatal(err)
	}

	report, err := cache.Verify(nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected a clean page before corruption, got errors: %v", report.Errors)
	}

	internal := ExtractInternalID(fileID)
	path := filepath.Join(dir, fmt.Sprintf("file-%d.dat", internal))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[cfg.PageSize/2] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err = cache.Verify(nil)
	if err != nil {
		t.Fatalf("Verify after corruption: %v", err)
	}
	if report.OK() {
		t.Fatal("expected Verify to detect the corrupted page")
	}
	if !report.Errors[0].CRCWrong {
		t.Fatalf("expected CRCWrong, got %+v", report.Errors[0])
	}
}

func TestCache_OverflowLatchReleasesAfterFlush(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig()
	cfg.MaxExclusiveWriteCachePages = 2
	cfg.ExclusiveHighWater = 0.5
	cfg.ExclusiveLowWater = 0.5
	cfg.BackgroundFlushInterval = 10 * time.Millisecond

	cache, err := Open(dir, cfg, NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("overflow.dat")
	if err != nil {
		t.Fatal(err)
	}
	internal := ExtractInternalID(fileID)

	var latch *Latch
	for i := int64(0); i < 3; i++ {
		buf := make([]byte, cfg.PageSize)
		ptr := NewCachePointer(internal, i, buf)
		l, err := cache.Store(fileID, i, ptr)
		if err != nil {
			t.Fatalf("Store(%d): %v", i, err)
		}
		if l != nil {
			latch = l
		}
	}

	if latch == nil {
		t.Fatal("expected an overflow latch once exclusive_write_cache_size exceeded the configured max")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := latch.Wait(ctx); err != nil {
		t.Fatalf("expected the overflow latch to release once the background flusher caught up: %v", err)
	}
}

func TestCache_RenameSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig()

	cache, err := Open(dir, cfg, NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	fileID, err := cache.AddFile("old.dat")
	if err != nil {
		t.Fatal(err)
	}
	if err := cache.RenameFile("old.dat", "new.dat"); err != nil {
		t.Fatalf("RenameFile: %v", err)
	}
	if err := cache.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	reopened, err := Open(dir, cfg, NoOpWAL{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.CloseAll()

	if _, err := reopened.LookupFile("old.dat"); err == nil {
		t.Fatal("expected the old name to no longer resolve after rename")
	}
	gotID, err := reopened.LookupFile("new.dat")
	if err != nil {
		t.Fatalf("LookupFile(new.dat) after reopen: %v", err)
	}
	if ExtractInternalID(gotID) != ExtractInternalID(fileID) {
		t.Fatalf("expected the renamed file to keep its internal id across reopen, got %d want %d",
			ExtractInternalID(gotID), ExtractInternalID(fileID))
	}
}

func TestCache_LoadAllocatesGapWithZeroPages(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(dir, quietConfig(), NoOpWAL{})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("sparse.dat")
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ptrs, err := cache.Load(ctx, fileID, 5, 1, true)
	if err != nil {
		t.Fatalf("Load (allocate gap): %v", err)
	}
	if len(ptrs) != 1 {
		t.Fatalf("expected exactly one returned pointer, got %d", len(ptrs))
	}
	ptr := ptrs[0]
	if ptr.Key.PageIndex != 5 {
		t.Fatalf("expected page index 5, got %d", ptr.Key.PageIndex)
	}

	ptr.AcquireSharedBuffer()
	for i, b := range ptr.SharedBuffer() {
		if b != 0 {
			t.Fatalf("expected a freshly allocated page to be all zero, byte %d was %x", i, b)
		}
	}
	ptr.ReleaseShared()
	ptr.DecrementReaders()

	filled, err := cache.GetFilledUpTo(fileID)
	if err != nil {
		t.Fatal(err)
	}
	if filled != 6 {
		t.Fatalf("expected the gap allocation to fill through page 5 (6 pages), got %d", filled)
	}
}

func TestCache_FlushRespectsWALGate(t *testing.T) {
	dir := t.TempDir()
	cfg := quietConfig()

	wal := &fakeWAL{}
	wal.setEnd(LSN{Segment: 5, Position: 0})

	cache, err := Open(dir, cfg, wal)
	if err != nil {
		t.Fatal(err)
	}
	defer cache.CloseAll()

	fileID, err := cache.AddFile("walled.dat")
	if err != nil {
		t.Fatal(err)
	}
	internal := ExtractInternalID(fileID)

	buf := make([]byte, cfg.PageSize)
	SetPageLSN(buf, LSN{Segment: 3, Position: 0}) // ahead of FlushedLSN (0,0)
	ptr := NewCachePointer(internal, 0, buf)
	if _, err := cache.Store(fileID, 0, ptr); err != nil {
		t.Fatalf("Store: %v", err)
	}

	if err := cache.Flush(fileID); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if wal.flushCount() != 1 {
		t.Fatalf("expected the flusher to call WAL.Flush once to satisfy the gate, got %d calls", wal.flushCount())
	}
	if wal.FlushedLSN() != (LSN{Segment: 5, Position: 0}) {
		t.Fatalf("expected FlushedLSN to advance to the WAL's end, got %v", wal.FlushedLSN())
	}
}
