package pagecache

import "testing"

func TestPageDirectory_PutIfAbsent(t *testing.T) {
	d := NewPageDirectory()
	key := PageKey{FileID: 1, PageIndex: 1}
	p1 := newCachePointer(key, make([]byte, 8), nil)
	p2 := newCachePointer(key, make([]byte, 8), nil)

	current, inserted := d.PutIfAbsent(key, p1)
	if !inserted || current != p1 {
		t.Fatalf("expected p1 to be inserted, got inserted=%v current=%v", inserted, current)
	}

	current, inserted = d.PutIfAbsent(key, p2)
	if inserted || current != p1 {
		t.Fatalf("expected PutIfAbsent to keep p1 on record, got inserted=%v current=%v", inserted, current)
	}
}

func TestPageDirectory_ExclusiveSet(t *testing.T) {
	d := NewPageDirectory()
	k1 := PageKey{FileID: 1, PageIndex: 1}
	k2 := PageKey{FileID: 1, PageIndex: 2}

	d.addOnlyWriters(k1)
	d.addOnlyWriters(k2)
	if d.ExclusiveWriteCacheSize() != 2 {
		t.Fatalf("expected 2 exclusive pages, got %d", d.ExclusiveWriteCacheSize())
	}
	d.removeOnlyWriters(k1)
	if d.ExclusiveWriteCacheSize() != 1 {
		t.Fatalf("expected 1 exclusive page after removal, got %d", d.ExclusiveWriteCacheSize())
	}
}

func TestPageDirectory_AscendFileRange(t *testing.T) {
	d := NewPageDirectory()
	for _, k := range []PageKey{
		{FileID: 1, PageIndex: 0}, {FileID: 1, PageIndex: 1}, {FileID: 1, PageIndex: 2},
		{FileID: 2, PageIndex: 0},
	} {
		d.PutIfAbsent(k, newCachePointer(k, nil, nil))
	}

	var seen []PageKey
	d.AscendFileRange(1, func(key PageKey, _ *CachePointer) bool {
		seen = append(seen, key)
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 keys for file 1, got %d: %v", len(seen), seen)
	}
	for i, k := range seen {
		if k.FileID != 1 || k.PageIndex != int64(i) {
			t.Fatalf("unexpected order: %v", seen)
		}
	}
}

func TestPageDirectory_AscendFrom(t *testing.T) {
	d := NewPageDirectory()
	for i := int64(0); i < 5; i++ {
		k := PageKey{FileID: 1, PageIndex: i}
		d.PutIfAbsent(k, newCachePointer(k, nil, nil))
	}

	var seen []int64
	d.AscendFrom(PageKey{FileID: 1, PageIndex: 2}, func(key PageKey, _ *CachePointer) bool {
		seen = append(seen, key.PageIndex)
		return true
	})
	want := []int64{2, 3, 4}
	if len(seen) != len(want) {
		t.Fatalf("got %v want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v want %v", seen, want)
		}
	}
}

func TestPageDirectory_DirtyPagesDrainAndSmallestLSN(t *testing.T) {
	d := NewPageDirectory()
	k1 := PageKey{FileID: 1, PageIndex: 1}
	k2 := PageKey{FileID: 1, PageIndex: 2}
	d.UpdateDirtyPagesTable(k1, LSN{Segment: 2, Position: 0})
	d.UpdateDirtyPagesTable(k2, LSN{Segment: 1, Position: 0})

	// put_if_absent semantics: a second update for the same key is ignored.
	d.UpdateDirtyPagesTable(k1, LSN{Segment: 99, Position: 0})

	d.DrainDirtyPages()
	if d.LocalDirtyLen() != 2 {
		t.Fatalf("expected 2 entries in the local reflection, got %d", d.LocalDirtyLen())
	}

	lsn, key, ok := d.SmallestDirtyLSN()
	if !ok || lsn.Segment != 1 || key != k2 {
		t.Fatalf("expected smallest LSN to belong to k2, got lsn=%v key=%v ok=%v", lsn, key, ok)
	}

	d.RemoveDirty(k2)
	_, _, ok = d.SmallestDirtyLSN()
	if !ok {
		t.Fatal("expected k1 to remain after removing k2")
	}
}

func TestPageDirectory_PeekMinDirtyLSN(t *testing.T) {
	d := NewPageDirectory()
	if _, ok := d.PeekMinDirtyLSN(); ok {
		t.Fatal("expected no dirty pages in a fresh directory")
	}
	d.UpdateDirtyPagesTable(PageKey{FileID: 1, PageIndex: 1}, LSN{Segment: 5, Position: 0})
	d.UpdateDirtyPagesTable(PageKey{FileID: 1, PageIndex: 2}, LSN{Segment: 3, Position: 0})

	lsn, ok := d.PeekMinDirtyLSN()
	if !ok || lsn.Segment != 3 {
		t.Fatalf("expected smallest LSN segment 3, got %v (ok=%v)", lsn, ok)
	}
}
