package flash

import (
	"fmt"
	"sync"
)

// OpKind identifies an entry in a MemFlash op log.
type OpKind string

const (
	OpRead  OpKind = "read"
	OpWrite OpKind = "write"
	OpErase OpKind = "erase"
)

type Op struct {
	Kind OpKind
	Off  uint32
	Len  uint32
}

// MemFlash is an in-memory NOR part that records every access.
// Fail, when set, is consulted before each op and its error returned as is.
type MemFlash struct {
	mu   sync.Mutex
	data []byte
	ops  []Op

	Fail func(Op) error
}

func NewMem(size uint32) *MemFlash {
	m := &MemFlash{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

func (m *MemFlash) SizeBytes() uint32       { return uint32(len(m.data)) }
func (m *MemFlash) EraseBlockBytes() uint32 { return EraseBlockBytes }

func (m *MemFlash) record(op Op) error {
	m.ops = append(m.ops, op)
	if m.Fail != nil {
		return m.Fail(op)
	}
	return nil
}

func (m *MemFlash) ReadAt(p []byte, off uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Op{OpRead, off, uint32(len(p))}); err != nil {
		return 0, err
	}
	if err := checkRange(m, off, len(p)); err != nil {
		return 0, fmt.Errorf("flash read: %w", err)
	}
	return copy(p, m.data[off:]), nil
}

func (m *MemFlash) WriteAt(p []byte, off uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Op{OpWrite, off, uint32(len(p))}); err != nil {
		return 0, err
	}
	if err := checkWrite(m, p, off); err != nil {
		return 0, fmt.Errorf("flash write: %w", err)
	}
	if !programmable(m.data[off:], p) {
		return 0, fmt.Errorf("flash write at %d: %w", off, ErrWriteRequiresErase)
	}
	return copy(m.data[off:], p), nil
}

func (m *MemFlash) Erase(off, size uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Op{OpErase, off, size}); err != nil {
		return err
	}
	if err := checkErase(m, off, size); err != nil {
		return err
	}
	for i := off; i < off+size; i++ {
		m.data[i] = 0xFF
	}
	return nil
}

// Ops returns a copy of the access log.
func (m *MemFlash) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op(nil), m.ops...)
}

func (m *MemFlash) ResetOps() {
	m.mu.Lock()
	m.ops = nil
	m.mu.Unlock()
}

// Poke overwrites raw bytes, bypassing NOR rules. Used to simulate corruption.
func (m *MemFlash) Poke(off uint32, p []byte) {
	m.mu.Lock()
	copy(m.data[off:], p)
	m.mu.Unlock()
}
