package pagecache

import (
	"container/list"
	"fmt"
	"os"
	"sync"
)

// FileHandle is the file-layer collaborator described in §1: the cache
// never touches the filesystem except through this interface, so it can be
// swapped for a fake in tests (§10.6).
type FileHandle interface {
	Size() (int64, error)
	Allocate(bytes int64) error
	Truncate(size int64) error
	ReadAt(offset int64, buf []byte) (int, error)
	ReadVectorAt(offset int64, bufs [][]byte) (int, error)
	WriteAt(offset int64, buf []byte) (int, error)
	WriteVectorAt(offset int64, bufs [][]byte) (int, error)
	Sync() error
	Close() error
}

// osFileHandle is the default FileHandle backed by a real *os.File.
type osFileHandle struct {
	mu sync.Mutex
	f  *os.File
}

// openOSFile opens (creating if absent) a file at path as a FileHandle.
func openOSFile(path string) (FileHandle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagecache: open %s: %w", path, err)
	}
	return &osFileHandle{f: f}, nil
}

func (h *osFileHandle) Size() (int64, error) {
	st, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Allocate grows the file to its current size plus bytes by truncating it
// up to the new length — portable across platforms without a fallocate
// syscall dependency.
func (h *osFileHandle) Allocate(bytes int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, err := h.f.Stat()
	if err != nil {
		return err
	}
	target := st.Size() + bytes
	if target == st.Size() {
		return nil
	}
	return h.f.Truncate(target)
}

// Truncate sets the file's length directly, used for TruncateFile (§4.4).
func (h *osFileHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.f.Truncate(size)
}

func (h *osFileHandle) ReadAt(offset int64, buf []byte) (int, error) {
	return h.f.ReadAt(buf, offset)
}

// ReadVectorAt reads len(bufs) consecutive buffers starting at offset, each
// the same size, as one logical vectored read (§4.4.1).
func (h *osFileHandle) ReadVectorAt(offset int64, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := h.f.ReadAt(b, offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (h *osFileHandle) WriteAt(offset int64, buf []byte) (int, error) {
	return h.f.WriteAt(buf, offset)
}

// WriteVectorAt writes len(bufs) consecutive buffers starting at offset as
// one logical vectored write (§4.5.2's chunk write).
func (h *osFileHandle) WriteVectorAt(offset int64, bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := h.f.WriteAt(b, offset+int64(total))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (h *osFileHandle) Sync() error  { return h.f.Sync() }
func (h *osFileHandle) Close() error { return h.f.Close() }

// openFileEntry is one node of the OpenFileContainer's LRU list.
type openFileEntry struct {
	fileID int32
	handle FileHandle
}

// OpenFileContainer is the bounded LRU-closing cache of open file handles
// described in §1 and §5: it is the only entity allowed to call the file
// layer, guaranteeing mutual exclusion while a handle is held. Grounded on
// cabewaldrop-claude-db's container/list-based pager LRU (point lookup +
// move-to-front + evict-from-back), generalized from page frames to whole
// file handles.
type OpenFileContainer struct {
	mu       sync.Mutex
	maxOpen  int
	open     map[int32]*list.Element // fileID -> LRU element
	lru      *list.List              // front = most recently used
	opener   func(fileID int32) (FileHandle, error)
}

// NewOpenFileContainer creates a container that opens handles on demand via
// opener and keeps at most maxOpen of them open simultaneously.
func NewOpenFileContainer(maxOpen int, opener func(fileID int32) (FileHandle, error)) *OpenFileContainer {
	if maxOpen < 1 {
		maxOpen = 1
	}
	return &OpenFileContainer{
		maxOpen: maxOpen,
		open:    make(map[int32]*list.Element),
		lru:     list.New(),
		opener:  opener,
	}
}

// Acquire returns the handle for fileID, opening it if necessary and
// evicting the least-recently-used handle if the container is at capacity.
// Callers must call Release when done; the handle remains usable after
// Release (it is a cache, not a lock) — exclusivity of concurrent I/O on
// the handle itself is the caller's responsibility via PartitionedPageLocks.
func (c *OpenFileContainer) Acquire(fileID int32) (FileHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.open[fileID]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*openFileEntry).handle, nil
	}

	for len(c.open) >= c.maxOpen {
		back := c.lru.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*openFileEntry)
		c.lru.Remove(back)
		delete(c.open, entry.fileID)
		_ = entry.handle.Close()
	}

	h, err := c.opener(fileID)
	if err != nil {
		return nil, err
	}
	elem := c.lru.PushFront(&openFileEntry{fileID: fileID, handle: h})
	c.open[fileID] = elem
	return h, nil
}

// Release is a no-op placeholder for the "acquire, use, release" discipline
// described in §5; handles are returned to the LRU pool implicitly, not
// reference-counted, since FileHandle.WriteAt/ReadAt are themselves safe for
// concurrent use on *os.File.
func (c *OpenFileContainer) Release(fileID int32) {}

// Forget closes and evicts fileID's handle if present, used by DeleteFile
// before the underlying file disappears and by Close.
func (c *OpenFileContainer) Forget(fileID int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.open[fileID]
	if !ok {
		return nil
	}
	c.lru.Remove(elem)
	delete(c.open, fileID)
	return elem.Value.(*openFileEntry).handle.Close()
}

// CloseAll closes every currently open handle.
func (c *OpenFileContainer) CloseAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for fileID, elem := range c.open {
		if err := elem.Value.(*openFileEntry).handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.open, fileID)
	}
	c.lru.Init()
	return firstErr
}
