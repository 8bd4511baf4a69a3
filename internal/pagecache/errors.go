package pagecache

import (
	"errors"
	"fmt"
)

// Sentinel errors for the argument-error and shutdown-error kinds described
// in the error handling design. Callers should use errors.Is against these.
var (
	ErrUnknownFile      = errors.New("pagecache: unknown file")
	ErrFileExists       = errors.New("pagecache: file already exists")
	ErrInvalidPageCount = errors.New("pagecache: page count must be >= 1")
	ErrClosed           = errors.New("pagecache: cache is closed")
	ErrShutdownTimeout  = errors.New("pagecache: flush executor did not stop in time")
	ErrPageTooSmall     = errors.New("pagecache: page size must exceed the footer plus the 16-byte LSN")
)

// VerifyError reports a single page that failed verification (§4.6).
// A verification pass aggregates these into a slice rather than stopping at
// the first failure.
type VerifyError struct {
	File       string
	PageIndex  int64
	MagicWrong bool
	CRCWrong   bool
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("pagecache: verify %s page %d: magic_wrong=%v crc_wrong=%v",
		e.File, e.PageIndex, e.MagicWrong, e.CRCWrong)
}

// VerifyReport aggregates all VerifyErrors found during a Verify() pass.
type VerifyReport struct {
	Errors []*VerifyError
}

// OK reports whether the verification pass found no errors.
func (r *VerifyReport) OK() bool { return len(r.Errors) == 0 }
