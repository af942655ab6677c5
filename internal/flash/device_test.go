package flash

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, size int64) *Device {
	t.Helper()
	d, err := Create(filepath.Join(t.TempDir(), "flash.bin"), size)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestCreateIsErased(t *testing.T) {
	d := newDevice(t, 2*SectorSize)

	buf := make([]byte, 2*SectorSize)
	_, err := d.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 2*SectorSize), buf)
}

func TestCreateRejectsOddSize(t *testing.T) {
	_, err := Create(filepath.Join(t.TempDir(), "flash.bin"), 1000)
	assert.Error(t, err)
}

func TestWriteClearsBitsOnly(t *testing.T) {
	d := newDevice(t, SectorSize)

	_, err := d.WriteAt([]byte{0xF0, 0x0F}, 10)
	require.NoError(t, err)
	_, err = d.WriteAt([]byte{0x3C, 0xFF}, 10)
	require.NoError(t, err)

	got := make([]byte, 2)
	_, err = d.ReadAt(got, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x30, 0x0F}, got)

	require.NoError(t, d.Erase(0, SectorSize))
	_, err = d.ReadAt(got, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, got)
}

func TestBoundsAndAlignment(t *testing.T) {
	d := newDevice(t, SectorSize)

	_, err := d.WriteAt([]byte{1, 2}, SectorSize-1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.ErrorIs(t, d.Erase(100, SectorSize), ErrUnaligned)
	assert.ErrorIs(t, d.Erase(0, 2*SectorSize), ErrOutOfRange)
}

func TestReopenKeepsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	d, err := Create(path, SectorSize)
	require.NoError(t, err)
	_, err = d.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d, err = Open(path)
	require.NoError(t, err)
	defer d.Close()
	assert.EqualValues(t, SectorSize, d.Size())

	got := make([]byte, 5)
	_, err = d.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, d.Close())
	_, err = d.ReadAt(got, 0)
	assert.ErrorIs(t, err, ErrClosed)
}
