// Package flash emulates a NOR flash chip on top of a regular file.
//
// Erased bytes read back as 0xFF. A write can only clear bits, so writing
// over data that was not erased first stores old AND new. Erase works on
// whole sectors.
package flash

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	SectorSize = 4096
	ErasedByte = 0xFF
)

var (
	ErrOutOfRange = errors.New("flash: access beyond end of device")
	ErrUnaligned  = errors.New("flash: erase range not sector aligned")
	ErrClosed     = errors.New("flash: device closed")
)

// Device is a file-backed flash image.
type Device struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// Create makes a new erased image of the given size at path. An existing
// file is truncated.
func Create(path string, size int64) (*Device, error) {
	if size <= 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("flash: size %d is not a positive multiple of %d", size, SectorSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create flash image: %w", err)
	}
	d := &Device{f: f, size: size}
	if err := d.fill(0, size); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// Open opens an existing image. The device size is the file size.
func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}
	return &Device{f: f, size: fi.Size()}, nil
}

func (d *Device) Size() int64 { return d.size }

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

func (d *Device) ReadAt(p []byte, addr int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, ErrClosed
	}
	if err := d.check(addr, int64(len(p))); err != nil {
		return 0, err
	}
	return d.f.ReadAt(p, addr)
}

// WriteAt programs p at addr. Bits already cleared stay cleared.
func (d *Device) WriteAt(p []byte, addr int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, ErrClosed
	}
	if err := d.check(addr, int64(len(p))); err != nil {
		return 0, err
	}
	cur := make([]byte, len(p))
	if _, err := d.f.ReadAt(cur, addr); err != nil {
		return 0, fmt.Errorf("flash: read before program: %w", err)
	}
	for i := range cur {
		cur[i] &= p[i]
	}
	return d.f.WriteAt(cur, addr)
}

// Erase resets [addr, addr+n) to 0xFF. Both must be sector aligned.
func (d *Device) Erase(addr, n int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrClosed
	}
	if addr%SectorSize != 0 || n%SectorSize != 0 {
		return fmt.Errorf("%w: addr=0x%x len=0x%x", ErrUnaligned, addr, n)
	}
	if err := d.check(addr, n); err != nil {
		return err
	}
	return d.fill(addr, n)
}

func (d *Device) check(addr, n int64) error {
	if addr < 0 || n < 0 || addr+n > d.size {
		return fmt.Errorf("%w: addr=0x%x len=0x%x size=0x%x", ErrOutOfRange, addr, n, d.size)
	}
	return nil
}

func (d *Device) fill(addr, n int64) error {
	sector := bytes.Repeat([]byte{ErasedByte}, SectorSize)
	for off := int64(0); off < n; off += SectorSize {
		chunk := sector
		if rem := n - off; rem < SectorSize {
			chunk = sector[:rem]
		}
		if _, err := d.f.WriteAt(chunk, addr+off); err != nil {
			return fmt.Errorf("flash: erase at 0x%x: %w", addr+off, err)
		}
	}
	return nil
}
