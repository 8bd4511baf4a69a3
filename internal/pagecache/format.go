package pagecache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// PageMagic is the magic number stamped at offset 0 of every durable page.
const PageMagic uint64 = 0xFACB03FE

// pageFooterSize is the number of bytes occupied by the magic number and the
// CRC32 field; the page body begins immediately after it.
const pageFooterSize = 12

// MinPageSize is the smallest page size this cache accepts. A page must be
// able to hold the footer plus at least the 16-byte LSN the body embeds;
// Config.Validate rejects anything smaller (§9 open question #2).
const MinPageSize = pageFooterSize + 16

// crcTable is the CRC32 table used for page footers. The spec calls for
// "the standard ISO-3309 polynomial" — the IEEE table — not Castagnoli
// (CRC-32C), which the teacher's own (unrelated) on-disk format happens to
// use. See DESIGN.md for why this diverges from the teacher's literal bytes.
var crcTable = crc32.IEEETable

// pageLSNOffset is the absolute offset within the full page (the first byte
// of the page body, right after the footer) at which this module stores a
// page's LSN, so the
// flusher's WAL gate (§4.5.1 step 4) can read it back out of a flushed
// snapshot without a separate side channel. The durable-page contract is
// this module's own: Segment then Position, both int64 little-endian.
const pageLSNOffset = pageFooterSize

// PageLSN reads the LSN embedded in a page body at the module's fixed
// offset.
func PageLSN(page []byte) LSN {
	return LSN{
		Segment:  int64(binary.LittleEndian.Uint64(page[pageLSNOffset : pageLSNOffset+8])),
		Position: int64(binary.LittleEndian.Uint64(page[pageLSNOffset+8 : pageLSNOffset+16])),
	}
}

// SetPageLSN writes an LSN into a page body at the module's fixed offset.
func SetPageLSN(page []byte, lsn LSN) {
	binary.LittleEndian.PutUint64(page[pageLSNOffset:pageLSNOffset+8], uint64(lsn.Segment))
	binary.LittleEndian.PutUint64(page[pageLSNOffset+8:pageLSNOffset+16], uint64(lsn.Position))
}

// computePageCRC computes the CRC32 of a page's body, bytes [12..len(page)).
func computePageCRC(page []byte) uint32 {
	return crc32.Checksum(page[pageFooterSize:], crcTable)
}

// PreparePageFooter stamps the magic number and CRC32 footer onto a page
// buffer, in place; the flusher applies it to its scratch copy of a page
// right after copying it (§4.5.1 step 1).
func PreparePageFooter(page []byte) {
	binary.LittleEndian.PutUint64(page[0:8], PageMagic)
	crc := computePageCRC(page)
	binary.LittleEndian.PutUint32(page[8:12], crc)
}

// VerifyPageFooter checks a page's magic number and CRC32, returning a
// VerifyError describing exactly what is wrong, or nil if the page is
// intact.
func VerifyPageFooter(page []byte, file string, pageIndex int64) *VerifyError {
	magic := binary.LittleEndian.Uint64(page[0:8])
	storedCRC := binary.LittleEndian.Uint32(page[8:12])
	computedCRC := computePageCRC(page)

	magicWrong := magic != PageMagic
	crcWrong := storedCRC != computedCRC
	if !magicWrong && !crcWrong {
		return nil
	}
	return &VerifyError{File: file, PageIndex: pageIndex, MagicWrong: magicWrong, CRCWrong: crcWrong}
}

// zeroPage returns a freshly allocated, zeroed page-sized buffer.
func zeroPage(pageSize int) []byte {
	return make([]byte, pageSize)
}

func validatePageSize(pageSize int) error {
	if pageSize <= MinPageSize {
		return fmt.Errorf("%w: got %d, need > %d", ErrPageTooSmall, pageSize, MinPageSize)
	}
	return nil
}
