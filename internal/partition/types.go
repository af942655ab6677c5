// Package partition reads and maintains an ESP-IDF style partition table on a
// flash device and gives partition-relative access to the regions it names.
package partition

import "fmt"

// Type is the partition type byte.
type Type uint8

const (
	TypeApp  Type = 0x00
	TypeData Type = 0x01
	TypeAny  Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeData:
		return "data"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("0x%02x", uint8(t))
	}
}

// Subtype is the partition subtype byte. Its meaning depends on the Type.
type Subtype uint8

const (
	SubtypeAppFactory Subtype = 0x00

	SubtypeDataOTA       Subtype = 0x00
	SubtypeDataPhy       Subtype = 0x01
	SubtypeDataNVS       Subtype = 0x02
	SubtypeDataCoredump  Subtype = 0x03
	SubtypeDataNVSKeys   Subtype = 0x04
	SubtypeDataEfuse     Subtype = 0x05
	SubtypeDataUndefined Subtype = 0x06
	SubtypeDataESPHTTPD  Subtype = 0x80
	SubtypeDataFAT       Subtype = 0x81
	SubtypeDataSPIFFS    Subtype = 0x82
	SubtypeDataLittleFS  Subtype = 0x83

	SubtypeAny Subtype = 0xFF
)

var dataSubtypeNames = map[Subtype]string{
	SubtypeDataOTA:       "ota",
	SubtypeDataPhy:       "phy",
	SubtypeDataNVS:       "nvs",
	SubtypeDataCoredump:  "coredump",
	SubtypeDataNVSKeys:   "nvs_keys",
	SubtypeDataEfuse:     "efuse",
	SubtypeDataUndefined: "undefined",
	SubtypeDataESPHTTPD:  "esphttpd",
	SubtypeDataFAT:       "fat",
	SubtypeDataSPIFFS:    "spiffs",
	SubtypeDataLittleFS:  "littlefs",
}

// SubtypeName renders a subtype in the context of its type.
func SubtypeName(t Type, s Subtype) string {
	if s == SubtypeAny {
		return "any"
	}
	switch t {
	case TypeData:
		if n, ok := dataSubtypeNames[s]; ok {
			return n
		}
	case TypeApp:
		switch {
		case s == SubtypeAppFactory:
			return "factory"
		case s >= 0x10 && s <= 0x1F:
			return fmt.Sprintf("ota_%d", s-0x10)
		case s == 0x20:
			return "test"
		}
	}
	return fmt.Sprintf("0x%02x", uint8(s))
}

// Partition describes one table entry. Offset is absolute on the device.
type Partition struct {
	Type    Type
	Subtype Subtype
	Offset  uint32
	Size    uint32
	Label   string
	Flags   uint32
}

func (p *Partition) String() string {
	return fmt.Sprintf("%-16s %-5s %-9s 0x%06x 0x%06x", p.Label, p.Type, SubtypeName(p.Type, p.Subtype), p.Offset, p.Size)
}

// Matches reports whether p satisfies a lookup. TypeAny, SubtypeAny and an
// empty label act as wildcards.
func (p *Partition) Matches(t Type, s Subtype, label string) bool {
	if t != TypeAny && p.Type != t {
		return false
	}
	if s != SubtypeAny && p.Subtype != s {
		return false
	}
	return label == "" || p.Label == label
}

func (p *Partition) end() int64 { return int64(p.Offset) + int64(p.Size) }
