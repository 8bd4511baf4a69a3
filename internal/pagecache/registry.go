package pagecache

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// NameMapFileName is the on-disk file holding the name→fileId registry
// (§6).
const NameMapFileName = "name_id_map.cm"

// NameEntry is one record of the name-map file: a filename and the fileId
// it was last seen bound to. A negative FileID is a tombstone — the name is
// reserved for reopen under that |FileID|.
type NameEntry struct {
	Name   string
	FileID int64
}

// FileRegistry is the append-structured name→fileId log described in §4.2.
// Positive ids are active files; negative ids are tombstones reserving the
// name for a future Add to revive. It is grounded on the teacher's WALFile
// append/fsync/truncate idiom (pager/wal.go), applied to name records
// instead of page images.
type FileRegistry struct {
	mu sync.RWMutex

	dir  string
	f    *os.File
	ids  map[string]int64 // materialized view: name -> fileId (signed)
	next int64            // file_counter
}

// LoadOrCreate opens (or creates) the name-map file under dir and replays
// every record to build the materialized name->fileId map (§4.2).
func LoadOrCreate(dir string) (*FileRegistry, error) {
	path := filepath.Join(dir, NameMapFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagecache: open name map %s: %w", path, err)
	}

	r := &FileRegistry{dir: dir, f: f, ids: make(map[string]int64)}
	entries, err := readAllNameEntries(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pagecache: read name map %s: %w", path, err)
	}
	for _, e := range entries {
		r.ids[e.Name] = e.FileID // later records override earlier
		if n := absInt64(e.FileID); n > r.next {
			r.next = n
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagecache: seek name map %s: %w", path, err)
	}
	return r, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Add assigns a new internal file id to name, reviving a tombstone if one
// exists. It fails if name is already active (§4.2).
func (r *FileRegistry) Add(name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, known := r.ids[name]
	switch {
	case known && id > 0:
		return 0, fmt.Errorf("%w: %q", ErrFileExists, name)
	case known && id < 0:
		id = -id // revive
	default:
		r.next++
		id = r.next
	}

	if err := r.append(name, id); err != nil {
		return 0, err
	}
	r.ids[name] = id
	return id, nil
}

// Lookup returns the current internal file id for name and whether it is
// known (either active or tombstoned).
func (r *FileRegistry) Lookup(name string) (id int64, active bool, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, known = r.ids[name]
	return id, known && id > 0, known
}

// Rename moves the registry entry (and the file on disk, via rename) from
// old to new, preserving old's internal id (§4.2).
func (r *FileRegistry) Rename(old, new string, renameOnDisk func(oldPath, newPath string) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, known := r.ids[old]
	if !known || id <= 0 {
		return fmt.Errorf("%w: %q", ErrUnknownFile, old)
	}
	if existing, ok := r.ids[new]; ok && existing > 0 {
		return fmt.Errorf("%w: %q", ErrFileExists, new)
	}

	if renameOnDisk != nil {
		if err := renameOnDisk(filepath.Join(r.dir, old), filepath.Join(r.dir, new)); err != nil {
			return fmt.Errorf("pagecache: rename %q -> %q: %w", old, new, err)
		}
	}

	if err := r.append(old, -1); err != nil {
		return err
	}
	if err := r.append(new, id); err != nil {
		return err
	}
	r.ids[old] = -1
	r.ids[new] = id
	return nil
}

// Delete tombstones name, appending a negative-id record that preserves the
// id for a future Add (§4.2).
func (r *FileRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, known := r.ids[name]
	if !known || id <= 0 {
		return fmt.Errorf("%w: %q", ErrUnknownFile, name)
	}
	if err := r.append(name, -id); err != nil {
		return err
	}
	r.ids[name] = -id
	return nil
}

// NameForID returns the currently-active name bound to internal id, if any.
// Used by callers that only hold a composed external file id (e.g.
// Cache.DeleteFile) and need the registry entry to tombstone.
func (r *FileRegistry) NameForID(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, bound := range r.ids {
		if bound == id {
			return name, true
		}
	}
	return "", false
}

// LiveNames returns every currently-active (non-tombstoned) name.
func (r *FileRegistry) LiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ids))
	for name, id := range r.ids {
		if id > 0 {
			names = append(names, name)
		}
	}
	return names
}

// Close truncates the name-map file and rewrites exactly one record per
// live entry (§4.2).
func (r *FileRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.f.Truncate(0); err != nil {
		return fmt.Errorf("pagecache: truncate name map: %w", err)
	}
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("pagecache: seek name map: %w", err)
	}
	for name, id := range r.ids {
		if id <= 0 {
			continue
		}
		if err := r.writeRecord(name, id); err != nil {
			return err
		}
	}
	if err := r.f.Sync(); err != nil {
		return fmt.Errorf("pagecache: sync name map: %w", err)
	}
	return r.f.Close()
}

// append writes one record and fsyncs, per the "sync=true" append contract
// in §6.
func (r *FileRegistry) append(name string, id int64) error {
	if err := r.writeRecord(name, id); err != nil {
		return err
	}
	return r.f.Sync()
}

func (r *FileRegistry) writeRecord(name string, id int64) error {
	nameBytes := []byte(name)
	buf := make([]byte, 4+len(nameBytes)+8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(nameBytes)))
	copy(buf[4:], nameBytes)
	binary.LittleEndian.PutUint64(buf[4+len(nameBytes):], uint64(id))
	if _, err := r.f.Write(buf); err != nil {
		return fmt.Errorf("pagecache: append name map record: %w", err)
	}
	return nil
}

// readAllNameEntries reads every record from a name-map file positioned at
// its start. Corrupt or partial tail records are silently ignored, matching
// the WAL's own crash-truncation tolerance.
func readAllNameEntries(f *os.File) ([]NameEntry, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var entries []NameEntry
	for {
		var sizeBuf [4]byte
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			break
		}
		size := binary.LittleEndian.Uint32(sizeBuf[:])
		nameBuf := make([]byte, size)
		if _, err := io.ReadFull(f, nameBuf); err != nil {
			break
		}
		var idBuf [8]byte
		if _, err := io.ReadFull(f, idBuf[:]); err != nil {
			break
		}
		entries = append(entries, NameEntry{
			Name:   string(nameBuf),
			FileID: int64(binary.LittleEndian.Uint64(idBuf[:])),
		})
	}
	return entries, nil
}

// ComposeExternalID combines a cache's storage id with an internal file id
// into the external 64-bit id format described in §6.
func ComposeExternalID(storageID uint32, internalID int64) int64 {
	return int64(uint64(storageID)<<32 | uint64(uint32(internalID)))
}

// ExtractInternalID pulls the low 32 bits back out of a composed external
// id.
func ExtractInternalID(external int64) int32 {
	return int32(uint64(external) & 0xFFFFFFFF)
}
