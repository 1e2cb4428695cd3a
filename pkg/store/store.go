// Package store persists the credential record in the NVS flash region.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"capy-firmware/pkg/flash"
	"capy-firmware/pkg/state"
)

// FlashError wraps an I/O failure of the underlying part. Callers treat it
// as fatal; the store never retries.
type FlashError struct {
	Op  string
	Err error
}

func (e *FlashError) Error() string { return "flash " + e.Op + ": " + e.Err.Error() }
func (e *FlashError) Unwrap() error { return e.Err }

// Store reads and writes one Config record at offset 0 of region. It is
// the only writer of the region; every operation is serialized.
type Store struct {
	region flash.Flash
	logger *slog.Logger

	mu sync.Mutex
}

func New(region flash.Flash, logger *slog.Logger) *Store {
	return &Store{region: region, logger: logger.With("component", "store")}
}

// Load returns the stored record. Blank or undecodable flash yields
// (Config{}, false, nil); only I/O faults return an error.
func (s *Store) Load() (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, RecordSize)
	if _, err := s.region.ReadAt(buf, 0); err != nil {
		return Config{}, false, &FlashError{Op: "read", Err: err}
	}

	if flash.Blank(buf) {
		s.logger.Info("flash is blank, no stored config")
		return Config{}, false, nil
	}

	c, err := Unmarshal(buf)
	if err != nil {
		s.logger.Warn("stored config is corrupt, ignoring", "err", err)
		return Config{}, false, nil
	}

	s.logger.Info("loaded config from flash", "config", c)
	return c, true, nil
}

// Save erases the covering sectors and programs c.
func (s *Store) Save(c Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(c)
}

// Commit applies fn to the config in cell and persists the result. Both
// steps happen under the store lock, so a concurrent Reset is ordered
// entirely before or after them and the cell always matches the flash.
// On a flash error the cell keeps the new value.
func (s *Store) Commit(cell *state.Cell[Config], fn func(*Config)) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cell.Update(func(cur Config, _ bool) Config {
		fn(&cur)
		return cur
	})
	return c, s.save(c)
}

func (s *Store) save(c Config) error {
	rec, err := Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	buf := make([]byte, RecordSize)
	copy(buf, rec)

	aligned := alignUp(uint32(len(rec)), flash.WriteAlign)
	eraseSize := alignUp(aligned, s.region.EraseBlockBytes())

	if err := s.region.Erase(0, eraseSize); err != nil {
		return &FlashError{Op: "erase", Err: err}
	}
	if _, err := s.region.WriteAt(buf[:aligned], 0); err != nil {
		return &FlashError{Op: "write", Err: err}
	}

	s.logger.Info("wrote config to flash", "bytes", aligned)
	return nil
}

// Erase blanks the record so the next Load reports nothing stored.
func (s *Store) Erase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.erase()
}

// Reset erases the record and then empties cell. The cell is left alone
// when the erase fails.
func (s *Store) Reset(cell *state.Cell[Config]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.erase(); err != nil {
		return err
	}
	cell.Clear()
	return nil
}

func (s *Store) erase() error {
	if err := s.region.Erase(0, alignUp(RecordSize, s.region.EraseBlockBytes())); err != nil {
		return &FlashError{Op: "erase", Err: err}
	}
	s.logger.Info("erased stored config")
	return nil
}

func alignUp(n, to uint32) uint32 {
	return (n + to - 1) &^ (to - 1)
}

// IsFlashError reports whether err came from the flash part.
func IsFlashError(err error) bool {
	var fe *FlashError
	return errors.As(err, &fe)
}
