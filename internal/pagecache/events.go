package pagecache

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentNotifications bounds how many low-disk-space listeners run at
// once, so a slow or blocking listener cannot serialize the whole fan-out.
const maxConcurrentNotifications = 8

// LowDiskSpaceEvent is delivered when the free-space check (§4.4.3) finds
// usable space below the configured limit.
type LowDiskSpaceEvent struct {
	FreeBytes int64
	LimitBytes int64
}

// BackgroundExceptionEvent is delivered whenever a flusher tick fails
// (§4.5 step 4, §7).
type BackgroundExceptionEvent struct {
	Err error
}

// Unregister removes a previously registered listener. Calling it more than
// once is a no-op.
type Unregister func()

// eventBus holds the cache's two listener lists. Go has no weak references
// (§10.5); rather than relying on GC-visible weak refs the way the original
// design note describes, listeners are plain entries removed explicitly via
// the Unregister token returned at registration time.
type eventBus struct {
	mu                   sync.Mutex
	lowDiskSpace         map[uuid.UUID]func(LowDiskSpaceEvent)
	backgroundException  map[uuid.UUID]func(BackgroundExceptionEvent)
}

func newEventBus() *eventBus {
	return &eventBus{
		lowDiskSpace:        make(map[uuid.UUID]func(LowDiskSpaceEvent)),
		backgroundException: make(map[uuid.UUID]func(BackgroundExceptionEvent)),
	}
}

// OnLowDiskSpace registers fn to be called on every low-disk-space event.
func (b *eventBus) OnLowDiskSpace(fn func(LowDiskSpaceEvent)) Unregister {
	id := uuid.New()
	b.mu.Lock()
	b.lowDiskSpace[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.lowDiskSpace, id)
		b.mu.Unlock()
	}
}

// OnBackgroundException registers fn to be called on every background
// flusher exception.
func (b *eventBus) OnBackgroundException(fn func(BackgroundExceptionEvent)) Unregister {
	id := uuid.New()
	b.mu.Lock()
	b.backgroundException[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.backgroundException, id)
		b.mu.Unlock()
	}
}

// fanOutLowDiskSpace notifies every low-disk-space listener concurrently,
// bounded to maxConcurrentNotifications in flight, so that one listener
// blocking (e.g. on its own disk write) cannot delay the others. Errors are
// not expected from listeners; this exists for the concurrency bound, not
// error propagation, so it never returns one.
func (b *eventBus) fanOutLowDiskSpace(ev LowDiskSpaceEvent) {
	b.mu.Lock()
	fns := make([]func(LowDiskSpaceEvent), 0, len(b.lowDiskSpace))
	for _, fn := range b.lowDiskSpace {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxConcurrentNotifications)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			fn(ev)
			return nil
		})
	}
	_ = g.Wait()
}

func (b *eventBus) fireBackgroundException(ev BackgroundExceptionEvent) {
	b.mu.Lock()
	fns := make([]func(BackgroundExceptionEvent), 0, len(b.backgroundException))
	for _, fn := range b.backgroundException {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
