package pagecache

import "testing"

func TestBufferPool_AcquireSize(t *testing.T) {
	p := NewBufferPool(128)
	buf := p.Acquire(false)
	if len(buf) != 128 {
		t.Fatalf("expected a 128-byte buffer, got %d", len(buf))
	}
}

func TestBufferPool_AcquireZeroed(t *testing.T) {
	p := NewBufferPool(16)
	buf := p.Acquire(false)
	for i := range buf {
		buf[i] = 0xAB
	}
	p.Release(buf)

	zeroed := p.Acquire(true)
	for i, b := range zeroed {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %x", i, b)
		}
	}
}

func TestBufferPool_ReleaseDropsForeignSize(t *testing.T) {
	p := NewBufferPool(32)
	p.Release(make([]byte, 64)) // must not panic, and must not be handed back out

	for i := 0; i < 8; i++ {
		if buf := p.Acquire(false); len(buf) != 32 {
			t.Fatalf("pool leaked a foreign-sized buffer: got %d bytes", len(buf))
		} else {
			p.Release(buf)
		}
	}
}
