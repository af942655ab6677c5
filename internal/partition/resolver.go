package partition

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/flashfetch/pkg/logging"
)

var (
	ErrPartitionNotFound    = errors.New("partition: named partition not found")
	ErrProvisionUnsupported = errors.New("partition: table service cannot add entries")
)

// Mode selects what the resolver does when the named partition is missing.
type Mode int

const (
	// ModeProvision adds a real table entry for the missing partition.
	ModeProvision Mode = iota
	// ModeEraseOnly erases the first data partition and looks again. Erasing
	// never creates an entry, so the second lookup fails unless something
	// else added the partition in between.
	ModeEraseOnly
)

func (m Mode) String() string {
	switch m {
	case ModeProvision:
		return "provision"
	case ModeEraseOnly:
		return "erase-only"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode maps a config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "provision", "":
		return ModeProvision, nil
	case "erase-only":
		return ModeEraseOnly, nil
	}
	return 0, fmt.Errorf("partition: unknown provision mode %q", s)
}

// Service is the subset of the table the resolver and the copy loop need.
type Service interface {
	Find(typ Type, sub Subtype, label string) (*Partition, bool)
	Erase(p *Partition, off, n int64) error
	Write(p *Partition, off int64, data []byte) error
}

// Provisioner is implemented by services that can grow the table.
type Provisioner interface {
	Add(label string, typ Type, sub Subtype, size int64) (*Partition, error)
}

// Remover is implemented by services that can drop an entry again.
type Remover interface {
	Remove(label string) error
}

// Resolver turns a logical name into a usable DATA/FAT partition.
type Resolver struct {
	Table Service
	Mode  Mode
	// Size is the partition size to provision and the length erased on a miss.
	Size int64
	Log  *logrus.Entry
}

// Resolve returns the named partition, handling a miss according to Mode.
func (r *Resolver) Resolve(name string) (*Partition, error) {
	log := r.Log
	if log == nil {
		log = logging.Discard()
	}

	if p, ok := r.Table.Find(TypeData, SubtypeDataFAT, name); ok {
		return p, nil
	}

	log.Warn("Partition not found. Creating a new one...")

	var err error
	switch r.Mode {
	case ModeEraseOnly:
		err = r.eraseFirstData(log)
	case ModeProvision:
		err = r.provision(name)
	default:
		err = fmt.Errorf("partition: unsupported mode %s", r.Mode)
	}
	if err != nil {
		// A provisioned entry that could not be prepared is never handed out.
		if r.Mode == ModeProvision {
			log.WithError(err).Error("Failed to create a new partition. Exiting...")
			return nil, fmt.Errorf("%w: %q: %w", ErrPartitionNotFound, name, err)
		}
		log.WithError(err).Warn("Partition creation step failed")
	}

	if p, ok := r.Table.Find(TypeData, SubtypeDataFAT, name); ok {
		return p, nil
	}
	log.Error("Failed to create a new partition. Exiting...")
	return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, name)
}

func (r *Resolver) eraseFirstData(log *logrus.Entry) error {
	first, ok := r.Table.Find(TypeData, SubtypeAny, "")
	if !ok {
		return errors.New("partition: no data partition to erase")
	}
	log.WithField("partition", first.Label).Debugf("Erasing [0, 0x%x)", r.Size)
	return r.Table.Erase(first, 0, r.Size)
}

func (r *Resolver) provision(name string) error {
	prov, ok := r.Table.(Provisioner)
	if !ok {
		return ErrProvisionUnsupported
	}
	p, err := prov.Add(name, TypeData, SubtypeDataFAT, r.Size)
	if err != nil {
		return err
	}
	if err := r.Table.Erase(p, 0, int64(p.Size)); err != nil {
		err = fmt.Errorf("erase new partition %q: %w", name, err)
		rm, ok := r.Table.(Remover)
		if !ok {
			return err
		}
		if rerr := rm.Remove(name); rerr != nil {
			return errors.Join(err, fmt.Errorf("roll back %q: %w", name, rerr))
		}
		return err
	}
	return nil
}

// RegionWriter exposes one partition of a Service as an io.WriterAt.
type RegionWriter struct {
	Service   Service
	Partition *Partition
}

func (w RegionWriter) WriteAt(data []byte, off int64) (int, error) {
	if err := w.Service.Write(w.Partition, off, data); err != nil {
		return 0, err
	}
	return len(data), nil
}
