package pagecache

import (
	"sync"
	"testing"
	"time"
)

func TestPartitionedPageLocks_SingleKey(t *testing.T) {
	locks := NewPartitionedPageLocks(4)
	key := PageKey{FileID: 1, PageIndex: 1}

	g := locks.AcquireExclusive(key)
	done := make(chan struct{})
	go func() {
		g2 := locks.AcquireShared(key)
		g2.Release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shared acquire should have blocked behind the exclusive holder")
	case <-time.After(20 * time.Millisecond):
	}
	g.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shared acquire never completed after the exclusive holder released")
	}
}

func TestPartitionedPageLocks_BatchOrderingAvoidsDeadlock(t *testing.T) {
	locks := NewPartitionedPageLocks(8)
	keysA := []PageKey{{FileID: 1, PageIndex: 1}, {FileID: 1, PageIndex: 2}, {FileID: 1, PageIndex: 3}}
	keysB := []PageKey{{FileID: 1, PageIndex: 3}, {FileID: 1, PageIndex: 2}, {FileID: 1, PageIndex: 1}}

	var wg sync.WaitGroup
	wg.Add(2)
	for _, keys := range [][]PageKey{keysA, keysB} {
		keys := keys
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				g := locks.AcquireExclusiveBatch(keys)
				g.Release()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch acquisition deadlocked — keys were not sorted before locking")
	}
}

func TestKeyRange(t *testing.T) {
	keys := keyRange(5, 10, 3)
	want := []PageKey{{FileID: 5, PageIndex: 10}, {FileID: 5, PageIndex: 11}, {FileID: 5, PageIndex: 12}}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range keys {
		if keys[i] != want[i] {
			t.Fatalf("key %d: got %v want %v", i, keys[i], want[i])
		}
	}
}
