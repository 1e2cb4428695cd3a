package flash

import "fmt"

// Region is a bounded window of a Flash starting at a fixed offset.
// Offsets passed to its methods are relative to the window start.
type Region struct {
	dev  Flash
	base uint32
	size uint32
}

func NewRegion(dev Flash, base, size uint32) (*Region, error) {
	if base%dev.EraseBlockBytes() != 0 || size%dev.EraseBlockBytes() != 0 {
		return nil, fmt.Errorf("region base=%#x size=%#x: %w", base, size, ErrMisaligned)
	}
	if err := checkRange(dev, base, int(size)); err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	return &Region{dev: dev, base: base, size: size}, nil
}

func (r *Region) SizeBytes() uint32       { return r.size }
func (r *Region) EraseBlockBytes() uint32 { return r.dev.EraseBlockBytes() }
func (r *Region) Base() uint32            { return r.base }

func (r *Region) ReadAt(p []byte, off uint32) (int, error) {
	if err := checkRange(r, off, len(p)); err != nil {
		return 0, fmt.Errorf("region read: %w", err)
	}
	return r.dev.ReadAt(p, r.base+off)
}

func (r *Region) WriteAt(p []byte, off uint32) (int, error) {
	if err := checkRange(r, off, len(p)); err != nil {
		return 0, fmt.Errorf("region write: %w", err)
	}
	return r.dev.WriteAt(p, r.base+off)
}

func (r *Region) Erase(off, size uint32) error {
	if err := checkRange(r, off, int(size)); err != nil {
		return fmt.Errorf("region erase: %w", err)
	}
	return r.dev.Erase(r.base+off, size)
}
