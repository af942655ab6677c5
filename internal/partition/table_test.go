package partition

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/flashfetch/internal/flash"
)

const testFlashSize = 4 * 1024 * 1024

func newDevice(t *testing.T) *flash.Device {
	t.Helper()
	d, err := flash.Create(filepath.Join(t.TempDir(), "flash.bin"), testFlashSize)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestFormatAndLoad(t *testing.T) {
	dev := newDevice(t)
	_, err := Format(dev, DefaultLayout())
	require.NoError(t, err)

	tbl, err := Load(dev)
	require.NoError(t, err)
	assert.Equal(t, DefaultLayout(), tbl.Partitions())

	p, ok := tbl.Find(TypeData, SubtypeDataNVS, "")
	require.True(t, ok)
	assert.Equal(t, "nvs", p.Label)

	_, ok = tbl.Find(TypeData, SubtypeDataFAT, "new_partition")
	assert.False(t, ok)

	p, ok = tbl.Find(TypeAny, SubtypeAny, "factory")
	require.True(t, ok)
	assert.Equal(t, TypeApp, p.Type)
}

func TestLoadBlankDevice(t *testing.T) {
	tbl, err := Load(newDevice(t))
	require.NoError(t, err)
	assert.Empty(t, tbl.Partitions())
}

func TestFormatRejectsBadLayouts(t *testing.T) {
	dev := newDevice(t)

	_, err := Format(dev, []Partition{
		{Type: TypeData, Subtype: SubtypeDataNVS, Offset: 0x9000, Size: 0x6000, Label: "a"},
		{Type: TypeData, Subtype: SubtypeDataFAT, Offset: 0xA000, Size: 0x1000, Label: "b"},
	})
	assert.ErrorIs(t, err, ErrOverlap)

	_, err = Format(dev, []Partition{{Type: TypeData, Offset: 0x9100, Size: 0x1000, Label: "a"}})
	assert.ErrorIs(t, err, ErrUnaligned)

	_, err = Format(dev, []Partition{{Type: TypeData, Offset: 0x9000, Size: testFlashSize, Label: "a"}})
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAddPlacesAfterLastPartition(t *testing.T) {
	dev := newDevice(t)
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)

	p, err := tbl.Add("new_partition", TypeData, SubtypeDataFAT, 1<<20)
	require.NoError(t, err)
	assert.EqualValues(t, 0x110000, p.Offset)
	assert.EqualValues(t, 1<<20, p.Size)

	got, ok := tbl.Find(TypeData, SubtypeDataFAT, "new_partition")
	require.True(t, ok)
	assert.Same(t, p, got)

	reloaded, err := Load(dev)
	require.NoError(t, err)
	assert.Len(t, reloaded.Partitions(), 4)

	_, err = tbl.Add("new_partition", TypeData, SubtypeDataFAT, 1<<20)
	assert.ErrorIs(t, err, ErrExists)

	_, err = tbl.Add("huge", TypeData, SubtypeDataFAT, testFlashSize)
	assert.ErrorIs(t, err, ErrNoSpace)

	_, err = tbl.Add("odd", TypeData, SubtypeDataFAT, 1000)
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestRemove(t *testing.T) {
	dev := newDevice(t)
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)
	_, err = tbl.Add("new_partition", TypeData, SubtypeDataFAT, 1<<20)
	require.NoError(t, err)

	require.NoError(t, tbl.Remove("new_partition"))
	_, ok := tbl.Find(TypeAny, SubtypeAny, "new_partition")
	assert.False(t, ok)

	reloaded, err := Load(dev)
	require.NoError(t, err)
	assert.Equal(t, DefaultLayout(), reloaded.Partitions())

	assert.Error(t, tbl.Remove("new_partition"))

	// The freed region is handed out again.
	p, err := tbl.Add("other", TypeData, SubtypeDataFAT, 1<<20)
	require.NoError(t, err)
	assert.EqualValues(t, 0x110000, p.Offset)
}

func TestPartitionRelativeAccess(t *testing.T) {
	dev := newDevice(t)
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)
	p, ok := tbl.Find(TypeData, SubtypeDataPhy, "phy_init")
	require.True(t, ok)

	require.NoError(t, tbl.Write(p, 16, []byte("abc")))

	buf := make([]byte, 3)
	require.NoError(t, tbl.Read(p, 16, buf))
	assert.Equal(t, "abc", string(buf))

	raw := make([]byte, 3)
	_, err = dev.ReadAt(raw, int64(p.Offset)+16)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(raw))

	assert.ErrorIs(t, tbl.Write(p, int64(p.Size)-1, []byte("xy")), ErrOutOfBounds)
	assert.ErrorIs(t, tbl.Erase(p, 0, 1<<20), ErrOutOfBounds)

	require.NoError(t, tbl.Erase(p, 0, int64(p.Size)))
	require.NoError(t, tbl.Read(p, 16, buf))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, buf)
}

func TestSubtypeName(t *testing.T) {
	assert.Equal(t, "fat", SubtypeName(TypeData, SubtypeDataFAT))
	assert.Equal(t, "factory", SubtypeName(TypeApp, SubtypeAppFactory))
	assert.Equal(t, "ota_1", SubtypeName(TypeApp, 0x11))
	assert.Equal(t, "any", SubtypeName(TypeData, SubtypeAny))
	assert.Equal(t, "0x42", SubtypeName(TypeData, 0x42))
}

func TestRegionWriter(t *testing.T) {
	dev := newDevice(t)
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)
	p, ok := tbl.Find(TypeData, SubtypeDataNVS, "nvs")
	require.True(t, ok)

	w := RegionWriter{Service: tbl, Partition: p}
	n, err := w.WriteAt([]byte("data"), 8)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = w.WriteAt([]byte("data"), int64(p.Size)-2)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Zero(t, n)
}
