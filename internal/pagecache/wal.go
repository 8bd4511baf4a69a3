package pagecache

// WAL is the write-ahead log collaborator described in §1. This package
// never implements durability or recovery itself — that is explicitly the
// WAL's job (§1 Non-goals) — it only depends on this interface. Grounded on
// the teacher's WALFile/WALRecord vocabulary (pager/wal.go) for the LSN and
// segment concepts, but the concrete durable WAL engine is intentionally not
// ported: a real implementation would duplicate recovery logic this cache
// must never own.
type WAL interface {
	// End returns the LSN just past the last record currently known to the
	// WAL (used as the "dirtying LSN" when no more precise value is given).
	End() LSN

	// Begin starts (or resumes) logging into the given segment.
	Begin(segment int64) error

	// Flush durably persists every record up to the WAL's current End(),
	// advancing FlushedLSN accordingly.
	Flush() error

	// FlushedLSN returns the highest LSN guaranteed durable so far. The
	// flusher's WAL gate (§4.5.1 step 4) never writes a page whose stored
	// LSN exceeds this value without first calling Flush.
	FlushedLSN() LSN

	// Size returns the current on-disk size of the WAL, in bytes, used for
	// the wal_high/wal_low hysteresis in §4.5.
	Size() (int64, error)

	// LogFuzzyCheckpointStart/LogFuzzyCheckpointEnd bracket a fuzzy
	// checkpoint (§4.7, glossary): everything before the start record can
	// be discarded once the end record is durable and every dirty page at
	// or before it has been flushed.
	LogFuzzyCheckpointStart() error
	LogFuzzyCheckpointEnd() error

	// CutSegmentsSmallerThan discards WAL segments older than segment,
	// invoked after MakeFuzzyCheckpoint completes.
	CutSegmentsSmallerThan(segment int64) error
}

// NoOpWAL is a stub WAL for cache instances that operate without a WAL
// attached. FlushedLSN always reports "everything is flushed" so the WAL
// gate in §4.5.1 never blocks; updateDirtyPagesTable (§4.4) treats a nil WAL
// identically — NoOpWAL exists for callers that want a concrete value
// instead of a nil interface.
type NoOpWAL struct{}

func (NoOpWAL) End() LSN                          { return LSN{Segment: 1<<63 - 1, Position: 1<<63 - 1} }
func (NoOpWAL) Begin(segment int64) error         { return nil }
func (NoOpWAL) Flush() error                      { return nil }
func (NoOpWAL) FlushedLSN() LSN                   { return LSN{Segment: 1<<63 - 1, Position: 1<<63 - 1} }
func (NoOpWAL) Size() (int64, error)              { return 0, nil }
func (NoOpWAL) LogFuzzyCheckpointStart() error    { return nil }
func (NoOpWAL) LogFuzzyCheckpointEnd() error      { return nil }
func (NoOpWAL) CutSegmentsSmallerThan(int64) error { return nil }
