package partition

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jaywantadh/flashfetch/internal/flash"
)

var (
	ErrOutOfBounds = errors.New("partition: access outside partition")
	ErrExists      = errors.New("partition: label already in table")
	ErrNoSpace     = errors.New("partition: no free flash region large enough")
	ErrOverlap     = errors.New("partition: entries overlap")
	ErrUnaligned   = errors.New("partition: offset or size not aligned")
)

const (
	// FirstOffset is the lowest address a partition may start at.
	FirstOffset = TableOffset + flash.SectorSize
	appAlign    = 0x10000
)

// Device is the raw flash the table and its partitions live on.
type Device interface {
	ReadAt(p []byte, addr int64) (int, error)
	WriteAt(p []byte, addr int64) (int, error)
	Erase(addr, n int64) error
	Size() int64
}

// Table is the partition table service for one device. Partitions returned
// by Find stay valid for the life of the Table.
type Table struct {
	mu    sync.RWMutex
	dev   Device
	parts []*Partition
}

// DefaultLayout is the single-app layout the images are created with.
func DefaultLayout() []Partition {
	return []Partition{
		{Type: TypeData, Subtype: SubtypeDataNVS, Offset: 0x9000, Size: 0x6000, Label: "nvs"},
		{Type: TypeData, Subtype: SubtypeDataPhy, Offset: 0xF000, Size: 0x1000, Label: "phy_init"},
		{Type: TypeApp, Subtype: SubtypeAppFactory, Offset: 0x10000, Size: 0x100000, Label: "factory"},
	}
}

// Load reads the table from dev.
func Load(dev Device) (*Table, error) {
	raw := make([]byte, TableMaxLen)
	if _, err := dev.ReadAt(raw, TableOffset); err != nil {
		return nil, fmt.Errorf("failed to read partition table: %w", err)
	}
	parts, err := decodeTable(raw)
	if err != nil {
		return nil, err
	}
	if err := validate(parts, dev.Size()); err != nil {
		return nil, err
	}
	return &Table{dev: dev, parts: parts}, nil
}

// Format writes a fresh table holding layout to dev. Partition contents are
// not touched.
func Format(dev Device, layout []Partition) (*Table, error) {
	parts := make([]*Partition, len(layout))
	for i := range layout {
		p := layout[i]
		parts[i] = &p
	}
	if err := validate(parts, dev.Size()); err != nil {
		return nil, err
	}
	t := &Table{dev: dev, parts: parts}
	if err := t.persist(); err != nil {
		return nil, err
	}
	return t, nil
}

// Partitions returns a snapshot of the entries in table order.
func (t *Table) Partitions() []Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Partition, len(t.parts))
	for i, p := range t.parts {
		out[i] = *p
	}
	return out
}

// Find returns the first entry matching the lookup, in table order.
func (t *Table) Find(typ Type, sub Subtype, label string) (*Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.parts {
		if p.Matches(typ, sub, label) {
			return p, true
		}
	}
	return nil, false
}

// Erase resets [off, off+n) of p. The range must be sector aligned.
func (t *Table) Erase(p *Partition, off, n int64) error {
	if err := bounds(p, off, n); err != nil {
		return err
	}
	return t.dev.Erase(int64(p.Offset)+off, n)
}

// Write programs data at off within p.
func (t *Table) Write(p *Partition, off int64, data []byte) error {
	if err := bounds(p, off, int64(len(data))); err != nil {
		return err
	}
	_, err := t.dev.WriteAt(data, int64(p.Offset)+off)
	return err
}

// Read fills buf from off within p.
func (t *Table) Read(p *Partition, off int64, buf []byte) error {
	if err := bounds(p, off, int64(len(buf))); err != nil {
		return err
	}
	_, err := t.dev.ReadAt(buf, int64(p.Offset)+off)
	return err
}

// Add appends a new entry in the first free region after the existing
// partitions and persists the table. The new region is not erased.
func (t *Table) Add(label string, typ Type, sub Subtype, size int64) (*Partition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if label == "" || len(label) > labelLen {
		return nil, fmt.Errorf("%w: invalid label %q", ErrBadTable, label)
	}
	for _, p := range t.parts {
		if p.Label == label {
			return nil, fmt.Errorf("%w: %q", ErrExists, label)
		}
	}
	if size <= 0 || size%flash.SectorSize != 0 {
		return nil, fmt.Errorf("%w: size 0x%x", ErrUnaligned, size)
	}
	if len(t.parts) >= MaxEntries {
		return nil, fmt.Errorf("%w: table full", ErrNoSpace)
	}

	next := int64(FirstOffset)
	for _, p := range t.parts {
		if e := p.end(); e > next {
			next = e
		}
	}
	align := int64(flash.SectorSize)
	if typ == TypeApp {
		align = appAlign
	}
	next = (next + align - 1) / align * align
	if next+size > t.dev.Size() {
		return nil, fmt.Errorf("%w: need 0x%x at 0x%x, device is 0x%x", ErrNoSpace, size, next, t.dev.Size())
	}

	p := &Partition{Type: typ, Subtype: sub, Offset: uint32(next), Size: uint32(size), Label: label}
	t.parts = append(t.parts, p)
	if err := t.persist(); err != nil {
		t.parts = t.parts[:len(t.parts)-1]
		return nil, err
	}
	return p, nil
}

// Remove deletes the entry with the given label and persists the table.
// The bytes of the removed region are left as they are.
func (t *Table) Remove(label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, p := range t.parts {
		if p.Label == label {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("partition: no entry %q", label)
	}

	prev := t.parts
	t.parts = append(append([]*Partition(nil), prev[:idx]...), prev[idx+1:]...)
	if err := t.persist(); err != nil {
		t.parts = prev
		return err
	}
	return nil
}

func (t *Table) persist() error {
	raw, err := encodeTable(t.parts)
	if err != nil {
		return err
	}
	if err := t.dev.Erase(TableOffset, flash.SectorSize); err != nil {
		return fmt.Errorf("failed to erase partition table: %w", err)
	}
	if _, err := t.dev.WriteAt(raw, TableOffset); err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	return nil
}

func bounds(p *Partition, off, n int64) error {
	if p == nil {
		return fmt.Errorf("%w: nil partition", ErrOutOfBounds)
	}
	if off < 0 || n < 0 || off+n > int64(p.Size) {
		return fmt.Errorf("%w: %q off=0x%x len=0x%x size=0x%x", ErrOutOfBounds, p.Label, off, n, p.Size)
	}
	return nil
}

func validate(parts []*Partition, devSize int64) error {
	sorted := make([]*Partition, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	prevEnd := int64(FirstOffset)
	for _, p := range sorted {
		if int64(p.Offset)%flash.SectorSize != 0 || int64(p.Size)%flash.SectorSize != 0 {
			return fmt.Errorf("%w: %q at 0x%x size 0x%x", ErrUnaligned, p.Label, p.Offset, p.Size)
		}
		if p.Type == TypeApp && p.Offset%appAlign != 0 {
			return fmt.Errorf("%w: app %q at 0x%x", ErrUnaligned, p.Label, p.Offset)
		}
		if int64(p.Offset) < prevEnd {
			return fmt.Errorf("%w: %q starts at 0x%x", ErrOverlap, p.Label, p.Offset)
		}
		if p.end() > devSize {
			return fmt.Errorf("%w: %q ends at 0x%x past device size 0x%x", ErrNoSpace, p.Label, p.end(), devSize)
		}
		prevEnd = p.end()
	}
	return nil
}
