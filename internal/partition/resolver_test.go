package partition

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaywantadh/flashfetch/internal/flash"
)

type eraseCall struct {
	label  string
	off, n int64
}

// recordingService is an in-memory Service that records erase calls.
type recordingService struct {
	parts  []*Partition
	erases []eraseCall
}

func (s *recordingService) Find(typ Type, sub Subtype, label string) (*Partition, bool) {
	for _, p := range s.parts {
		if p.Matches(typ, sub, label) {
			return p, true
		}
	}
	return nil, false
}

func (s *recordingService) Erase(p *Partition, off, n int64) error {
	s.erases = append(s.erases, eraseCall{label: p.Label, off: off, n: n})
	return nil
}

func (s *recordingService) Write(*Partition, int64, []byte) error { return nil }

func testLogger() (*logrus.Entry, *logtest.Hook) {
	l, hook := logtest.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l), hook
}

func TestResolveExistingPartitionErasesNothing(t *testing.T) {
	target := &Partition{Type: TypeData, Subtype: SubtypeDataFAT, Offset: 0x110000, Size: 1 << 20, Label: "new_partition"}
	svc := &recordingService{parts: []*Partition{
		{Type: TypeData, Subtype: SubtypeDataNVS, Offset: 0x9000, Size: 0x6000, Label: "nvs"},
		target,
	}}

	for _, mode := range []Mode{ModeProvision, ModeEraseOnly} {
		r := &Resolver{Table: svc, Mode: mode, Size: 1 << 20}
		p, err := r.Resolve("new_partition")
		require.NoError(t, err)
		assert.Same(t, target, p)
	}
	assert.Empty(t, svc.erases)
}

func TestResolveEraseOnlyDoesNotCreate(t *testing.T) {
	svc := &recordingService{parts: []*Partition{
		{Type: TypeApp, Subtype: SubtypeAppFactory, Offset: 0x10000, Size: 1 << 20, Label: "factory"},
		{Type: TypeData, Subtype: SubtypeDataSPIFFS, Offset: 0x110000, Size: 1 << 20, Label: "storage"},
		{Type: TypeData, Subtype: SubtypeDataNVS, Offset: 0x210000, Size: 0x6000, Label: "nvs"},
	}}
	log, hook := testLogger()

	r := &Resolver{Table: svc, Mode: ModeEraseOnly, Size: 1 << 20, Log: log}
	p, err := r.Resolve("new_partition")

	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrPartitionNotFound)
	require.Len(t, svc.erases, 1)
	assert.Equal(t, eraseCall{label: "storage", off: 0, n: 1 << 20}, svc.erases[0])
	assert.Equal(t, "Failed to create a new partition. Exiting...", hook.LastEntry().Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestResolveEraseOnlyWithoutDataPartition(t *testing.T) {
	svc := &recordingService{}
	r := &Resolver{Table: svc, Mode: ModeEraseOnly, Size: 1 << 20}

	_, err := r.Resolve("new_partition")
	assert.ErrorIs(t, err, ErrPartitionNotFound)
	assert.Empty(t, svc.erases)
}

func TestResolveProvisionNeedsProvisioner(t *testing.T) {
	svc := &recordingService{}
	r := &Resolver{Table: svc, Mode: ModeProvision, Size: 1 << 20}

	_, err := r.Resolve("new_partition")
	assert.ErrorIs(t, err, ErrPartitionNotFound)
}

func TestResolveProvisionCreatesPartition(t *testing.T) {
	dev := newDevice(t)
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)

	// Dirty the region the new partition will occupy.
	_, err = dev.WriteAt([]byte{0x00, 0x00}, 0x110000)
	require.NoError(t, err)

	r := &Resolver{Table: tbl, Mode: ModeProvision, Size: 1 << 20}
	p, err := r.Resolve("new_partition")
	require.NoError(t, err)
	assert.Equal(t, "new_partition", p.Label)
	assert.Equal(t, SubtypeDataFAT, p.Subtype)
	assert.EqualValues(t, 1<<20, p.Size)

	buf := make([]byte, 2)
	require.NoError(t, tbl.Read(p, 0, buf))
	assert.Equal(t, []byte{0xFF, 0xFF}, buf)

	again, err := r.Resolve("new_partition")
	require.NoError(t, err)
	assert.Same(t, p, again)
}

var errWornSector = errors.New("sector worn out")

// wornDevice refuses to erase anything at or above from.
type wornDevice struct {
	*flash.Device
	from int64
}

func (d wornDevice) Erase(addr, n int64) error {
	if addr >= d.from {
		return errWornSector
	}
	return d.Device.Erase(addr, n)
}

func TestResolveProvisionEraseFailureRollsBack(t *testing.T) {
	raw := newDevice(t)
	dev := wornDevice{Device: raw, from: 0x110000}
	tbl, err := Format(dev, DefaultLayout())
	require.NoError(t, err)

	// Stale bytes where the new partition would land.
	_, err = raw.WriteAt([]byte{0x00}, 0x110000)
	require.NoError(t, err)

	log, hook := testLogger()
	r := &Resolver{Table: tbl, Mode: ModeProvision, Size: 1 << 20, Log: log}
	p, err := r.Resolve("new_partition")

	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrPartitionNotFound)
	assert.ErrorIs(t, err, errWornSector)
	assert.Equal(t, "Failed to create a new partition. Exiting...", hook.LastEntry().Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)

	_, ok := tbl.Find(TypeData, SubtypeDataFAT, "new_partition")
	assert.False(t, ok)
	reloaded, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultLayout(), reloaded.Partitions())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("erase-only")
	require.NoError(t, err)
	assert.Equal(t, ModeEraseOnly, m)

	m, err = ParseMode("provision")
	require.NoError(t, err)
	assert.Equal(t, ModeProvision, m)

	_, err = ParseMode("nope")
	assert.Error(t, err)
}
