// Package flash models NOR flash: bits are cleared by programming and only
// set again by erasing a whole block.
package flash

import (
	"errors"
	"fmt"
)

const (
	// EraseBlockBytes is the sector size of every flash in this package.
	EraseBlockBytes = 4096
	// WriteAlign is the program granularity.
	WriteAlign = 4
)

var (
	ErrWriteRequiresErase = errors.New("flash write requires erase")
	ErrOutOfRange         = errors.New("flash access out of range")
	ErrMisaligned         = errors.New("flash access misaligned")
	ErrClosed             = errors.New("flash closed")
)

// Flash provides raw access to non-volatile memory.
type Flash interface {
	SizeBytes() uint32
	EraseBlockBytes() uint32
	ReadAt(p []byte, off uint32) (int, error)
	WriteAt(p []byte, off uint32) (int, error)
	Erase(off, size uint32) error
}

func checkRange(f Flash, off uint32, n int) error {
	if uint64(off)+uint64(n) > uint64(f.SizeBytes()) {
		return fmt.Errorf("off=%d len=%d size=%d: %w", off, n, f.SizeBytes(), ErrOutOfRange)
	}
	return nil
}

func checkErase(f Flash, off, size uint32) error {
	blk := f.EraseBlockBytes()
	if off%blk != 0 || size%blk != 0 {
		return fmt.Errorf("erase off=%d size=%d: %w", off, size, ErrMisaligned)
	}
	return checkRange(f, off, int(size))
}

func checkWrite(f Flash, p []byte, off uint32) error {
	if off%WriteAlign != 0 || len(p)%WriteAlign != 0 {
		return fmt.Errorf("write off=%d len=%d: %w", off, len(p), ErrMisaligned)
	}
	return checkRange(f, off, len(p))
}

// programmable reports whether writing p over cur only clears bits.
func programmable(cur, p []byte) bool {
	for i := range p {
		if cur[i]&p[i] != p[i] {
			return false
		}
	}
	return true
}
