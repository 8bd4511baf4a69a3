package pagecache

import "sync"

// fakeWAL is a controllable WAL double for tests that need to drive the
// flusher's WAL gate (§4.5.1 step 4) or its size-based hysteresis (§4.5)
// without a real write-ahead log attached.
type fakeWAL struct {
	mu         sync.Mutex
	end        LSN
	flushed    LSN
	size       int64
	flushCalls int
}

func (w *fakeWAL) End() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.end
}

func (w *fakeWAL) Begin(segment int64) error { return nil }

func (w *fakeWAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed = w.end
	w.flushCalls++
	return nil
}

func (w *fakeWAL) FlushedLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

func (w *fakeWAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size, nil
}

func (w *fakeWAL) LogFuzzyCheckpointStart() error     { return nil }
func (w *fakeWAL) LogFuzzyCheckpointEnd() error       { return nil }
func (w *fakeWAL) CutSegmentsSmallerThan(int64) error { return nil }

func (w *fakeWAL) setEnd(lsn LSN) {
	w.mu.Lock()
	w.end = lsn
	w.mu.Unlock()
}

func (w *fakeWAL) flushCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushCalls
}
