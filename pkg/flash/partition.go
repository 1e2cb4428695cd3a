package flash

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ESP-IDF partition table layout.
const (
	TableOffset   = 0x8000
	TableMaxBytes = 0xC00
	entryBytes    = 32
	entryMagic    = 0x50AA
	md5Magic      = 0xEBEB
	labelBytes    = 16
)

type PartitionType uint8

const (
	TypeApp  PartitionType = 0x00
	TypeData PartitionType = 0x01
)

// Data partition subtypes.
const (
	SubtypeOTA      uint8 = 0x00
	SubtypePhy      uint8 = 0x01
	SubtypeNVS      uint8 = 0x02
	SubtypeCoredump uint8 = 0x03
	SubtypeFactory  uint8 = 0x00
)

var (
	ErrNoPartitionTable = errors.New("no partition table")
	ErrBadChecksum      = errors.New("partition table checksum mismatch")
	ErrNoNVSPartition   = errors.New("no nvs data partition")
)

type Partition struct {
	Label   string
	Type    PartitionType
	Subtype uint8
	Offset  uint32
	Size    uint32
	Flags   uint32
}

type Table []Partition

// DefaultTable is the single-app layout: nvs, phy_init, factory.
var DefaultTable = Table{
	{Label: "nvs", Type: TypeData, Subtype: SubtypeNVS, Offset: 0x9000, Size: 0x6000},
	{Label: "phy_init", Type: TypeData, Subtype: SubtypePhy, Offset: 0xF000, Size: 0x1000},
	{Label: "factory", Type: TypeApp, Subtype: SubtypeFactory, Offset: 0x10000, Size: 0x100000},
}

// Find returns the first partition with the given type and subtype.
func (t Table) Find(typ PartitionType, subtype uint8) (Partition, bool) {
	for _, p := range t {
		if p.Type == typ && p.Subtype == subtype {
			return p, true
		}
	}
	return Partition{}, false
}

// ReadTable parses the partition table at TableOffset.
func ReadTable(f Flash) (Table, error) {
	buf := make([]byte, TableMaxBytes)
	if _, err := f.ReadAt(buf, TableOffset); err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}

	var table Table
	for off := 0; off+entryBytes <= len(buf); off += entryBytes {
		e := buf[off : off+entryBytes]
		switch binary.LittleEndian.Uint16(e) {
		case entryMagic:
			table = append(table, Partition{
				Type:    PartitionType(e[2]),
				Subtype: e[3],
				Offset:  binary.LittleEndian.Uint32(e[4:]),
				Size:    binary.LittleEndian.Uint32(e[8:]),
				Label:   strings.TrimRight(string(e[12:12+labelBytes]), "\x00"),
				Flags:   binary.LittleEndian.Uint32(e[28:]),
			})
		case md5Magic:
			sum := md5.Sum(buf[:off])
			if !bytes.Equal(sum[:], e[16:32]) {
				return nil, ErrBadChecksum
			}
			return finish(table)
		default:
			return finish(table)
		}
	}
	return finish(table)
}

func finish(t Table) (Table, error) {
	if len(t) == 0 {
		return nil, ErrNoPartitionTable
	}
	return t, nil
}

// WriteTable erases the table sector and programs t followed by its MD5 entry.
func WriteTable(f Flash, t Table) error {
	if (len(t)+1)*entryBytes > TableMaxBytes {
		return fmt.Errorf("partition table has %d entries: too many", len(t))
	}

	buf := make([]byte, 0, (len(t)+1)*entryBytes)
	for _, p := range t {
		if len(p.Label) > labelBytes {
			return fmt.Errorf("partition label %q longer than %d bytes", p.Label, labelBytes)
		}
		e := make([]byte, entryBytes)
		binary.LittleEndian.PutUint16(e, entryMagic)
		e[2] = byte(p.Type)
		e[3] = p.Subtype
		binary.LittleEndian.PutUint32(e[4:], p.Offset)
		binary.LittleEndian.PutUint32(e[8:], p.Size)
		copy(e[12:], p.Label)
		binary.LittleEndian.PutUint32(e[28:], p.Flags)
		buf = append(buf, e...)
	}

	sum := md5.Sum(buf)
	m := bytes.Repeat([]byte{0xFF}, entryBytes)
	binary.LittleEndian.PutUint16(m, md5Magic)
	copy(m[16:], sum[:])
	buf = append(buf, m...)

	if err := f.Erase(TableOffset, f.EraseBlockBytes()); err != nil {
		return fmt.Errorf("failed to erase partition table: %w", err)
	}
	if _, err := f.WriteAt(buf, TableOffset); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	return nil
}

// OpenNVS locates the nvs data partition and returns a region over it.
func OpenNVS(f Flash) (*Region, error) {
	t, err := ReadTable(f)
	if err != nil {
		return nil, err
	}
	p, ok := t.Find(TypeData, SubtypeNVS)
	if !ok {
		return nil, ErrNoNVSPartition
	}
	return NewRegion(f, p.Offset, p.Size)
}

// Format writes DefaultTable to a fresh part.
func Format(f Flash) error {
	return WriteTable(f, DefaultTable)
}
