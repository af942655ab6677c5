package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	// TableOffset is where the table lives on the device.
	TableOffset = 0x8000
	// TableMaxLen is the space reserved for the table.
	TableMaxLen = 0xC00
	// EntrySize is the encoded size of one entry.
	EntrySize = 32
	// MaxEntries leaves the last slot free, as the bootloader expects.
	MaxEntries = TableMaxLen/EntrySize - 1

	Magic    uint16 = 0x50AA
	labelLen        = 16
)

var ErrBadTable = errors.New("partition: malformed table")

// entry is the on-flash layout of a table row.
type entry struct {
	Magic   uint16
	Type    uint8
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   [labelLen]byte
	Flags   uint32
}

func encodeTable(parts []*Partition) ([]byte, error) {
	if len(parts) > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries, max %d", ErrBadTable, len(parts), MaxEntries)
	}
	var buf bytes.Buffer
	for _, p := range parts {
		if len(p.Label) > labelLen {
			return nil, fmt.Errorf("%w: label %q longer than %d bytes", ErrBadTable, p.Label, labelLen)
		}
		e := entry{
			Magic:   Magic,
			Type:    uint8(p.Type),
			Subtype: uint8(p.Subtype),
			Offset:  p.Offset,
			Size:    p.Size,
			Flags:   p.Flags,
		}
		copy(e.Label[:], p.Label)
		if err := binary.Write(&buf, binary.LittleEndian, &e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeTable parses rows until the first one without the magic.
func decodeTable(data []byte) ([]*Partition, error) {
	r := bytes.NewReader(data)
	var parts []*Partition
	for r.Len() >= EntrySize {
		var e entry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTable, err)
		}
		if e.Magic != Magic {
			break
		}
		parts = append(parts, &Partition{
			Type:    Type(e.Type),
			Subtype: Subtype(e.Subtype),
			Offset:  e.Offset,
			Size:    e.Size,
			Label:   strings.TrimRight(string(e.Label[:]), "\x00"),
			Flags:   e.Flags,
		})
	}
	return parts, nil
}
