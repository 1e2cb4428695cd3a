package flash

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultImageBytes matches a 2 MiB part.
const DefaultImageBytes = 2 * 1024 * 1024

// FileFlash emulates NOR flash on top of a host file.
type FileFlash struct {
	mu    sync.Mutex
	f     *os.File
	size  uint32
	blank [EraseBlockBytes]byte
}

// OpenFile opens the image at path, creating an erased image of size bytes if
// it does not exist yet. The second result reports whether it was created.
func OpenFile(path string, size uint32) (*FileFlash, bool, error) {
	if size == 0 || size%EraseBlockBytes != 0 {
		return nil, false, fmt.Errorf("flash image size %d: %w", size, ErrMisaligned)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, false, fmt.Errorf("failed to create flash dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open flash image: %w", err)
	}

	ff := &FileFlash{f: f, size: size}
	for i := range ff.blank {
		ff.blank[i] = 0xFF
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("failed to stat flash image: %w", err)
	}
	if st.Size() > 0 {
		if st.Size() > int64(^uint32(0)) || st.Size()%EraseBlockBytes != 0 {
			f.Close()
			return nil, false, fmt.Errorf("flash image %s has invalid size %d", path, st.Size())
		}
		ff.size = uint32(st.Size())
		return ff, false, nil
	}

	for off := uint32(0); off < size; off += EraseBlockBytes {
		if _, err := f.WriteAt(ff.blank[:], int64(off)); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("failed to initialize flash image: %w", err)
		}
	}
	return ff, true, nil
}

func (f *FileFlash) SizeBytes() uint32       { return f.size }
func (f *FileFlash) EraseBlockBytes() uint32 { return EraseBlockBytes }

func (f *FileFlash) ReadAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return 0, ErrClosed
	}
	if err := checkRange(f, off, len(p)); err != nil {
		return 0, fmt.Errorf("flash read: %w", err)
	}
	return f.f.ReadAt(p, int64(off))
}

func (f *FileFlash) WriteAt(p []byte, off uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return 0, ErrClosed
	}
	if err := checkWrite(f, p, off); err != nil {
		return 0, fmt.Errorf("flash write: %w", err)
	}

	cur := make([]byte, len(p))
	if _, err := f.f.ReadAt(cur, int64(off)); err != nil {
		return 0, fmt.Errorf("flash read before write at %d: %w", off, err)
	}
	if !programmable(cur, p) {
		return 0, fmt.Errorf("flash write at %d: %w", off, ErrWriteRequiresErase)
	}
	return f.f.WriteAt(p, int64(off))
}

func (f *FileFlash) Erase(off, size uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return ErrClosed
	}
	if size == 0 {
		return nil
	}
	if err := checkErase(f, off, size); err != nil {
		return err
	}

	for ; size > 0; size -= EraseBlockBytes {
		if _, err := f.f.WriteAt(f.blank[:], int64(off)); err != nil {
			return fmt.Errorf("flash erase block at %d: %w", off, err)
		}
		off += EraseBlockBytes
	}
	return f.f.Sync()
}

func (f *FileFlash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

// Blank reports whether every byte of p is erased or zero.
func Blank(p []byte) bool {
	return len(bytes.Trim(p, "\x00\xff")) == 0
}
