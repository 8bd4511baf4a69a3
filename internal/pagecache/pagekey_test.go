package pagecache

import "testing"

func TestPageKey_Less(t *testing.T) {
	a := PageKey{FileID: 1, PageIndex: 5}
	b := PageKey{FileID: 1, PageIndex: 6}
	c := PageKey{FileID: 2, PageIndex: 0}

	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if !b.Less(c) {
		t.Fatal("expected b < c (lower fileID sorts first)")
	}
	if a.Less(a) {
		t.Fatal("a should not be less than itself")
	}
}

func TestPageKey_Compare(t *testing.T) {
	a := PageKey{FileID: 3, PageIndex: 10}
	b := PageKey{FileID: 3, PageIndex: 10}
	if a.Compare(b) != 0 {
		t.Fatalf("expected equal keys to compare 0, got %d", a.Compare(b))
	}
	if PageKey{FileID: 1, PageIndex: 99}.Compare(PageKey{FileID: 2, PageIndex: 0}) >= 0 {
		t.Fatal("expected lower fileID to compare less")
	}
}

func TestPageKey_Adjacent(t *testing.T) {
	a := PageKey{FileID: 1, PageIndex: 5}
	b := PageKey{FileID: 1, PageIndex: 6}
	c := PageKey{FileID: 2, PageIndex: 6}
	if !a.adjacent(b) {
		t.Fatal("expected consecutive pages in the same file to be adjacent")
	}
	if a.adjacent(c) {
		t.Fatal("pages in different files should never be adjacent")
	}
}

func TestLSN_Less(t *testing.T) {
	l1 := LSN{Segment: 1, Position: 100}
	l2 := LSN{Segment: 1, Position: 200}
	l3 := LSN{Segment: 2, Position: 0}
	if !l1.Less(l2) {
		t.Fatal("expected l1 < l2")
	}
	if !l2.Less(l3) {
		t.Fatal("expected l2 < l3 (lower segment sorts first)")
	}
}
