package algorithm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/devrev/gridcache/internal/model"
)

// Default overhead constants, in bytes
const (
	DefaultEntryOverhead  = 119
	DefaultDHTOverhead    = 16
	DefaultNearOverhead   = 52
	DefaultReaderOverhead = 24
	DefaultNullValueSize  = 1
	DefaultTTLExtrasSize  = 16
)

// MemoryOverheads are the constants of the additive footprint model
type MemoryOverheads struct {
	EntryOverhead  int // Every entry
	DHTOverhead    int // Primary/backup and replicated entries
	NearOverhead   int // Near entries
	ReaderOverhead int // Per near reader tracked by a DHT entry
	NullValueSize  int // Serialized size charged for a tombstone value
	TTLExtrasSize  int // Entries carrying an expire time
}

// DefaultMemoryOverheads returns the default constants
func DefaultMemoryOverheads() MemoryOverheads {
	return MemoryOverheads{
		EntryOverhead:  DefaultEntryOverhead,
		DHTOverhead:    DefaultDHTOverhead,
		NearOverhead:   DefaultNearOverhead,
		ReaderOverhead: DefaultReaderOverhead,
		NullValueSize:  DefaultNullValueSize,
		TTLExtrasSize:  DefaultTTLExtrasSize,
	}
}

// Serializer turns keys and values into bytes for size accounting
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
}

// CBORSerializer encodes with canonical CBOR. Byte slices and strings are
// taken as already serialized payloads.
type CBORSerializer struct {
	enc cbor.EncMode
}

// NewCBORSerializer creates the default serializer
func NewCBORSerializer() (*CBORSerializer, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	return &CBORSerializer{enc: enc}, nil
}

// Serialize implements Serializer
func (s *CBORSerializer) Serialize(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return s.enc.Marshal(v)
	}
}

// MemoryModel computes entry footprints as
// key + value + entry overhead + role overhead + readers*reader overhead + extras.
type MemoryModel struct {
	overheads  MemoryOverheads
	serializer Serializer
}

// NewMemoryModel creates a memory model
func NewMemoryModel(overheads MemoryOverheads, serializer Serializer) *MemoryModel {
	return &MemoryModel{
		overheads:  overheads,
		serializer: serializer,
	}
}

// Overheads returns the model constants
func (m *MemoryModel) Overheads() MemoryOverheads {
	return m.overheads
}

// RoleOverhead returns the fixed overhead a role adds on top of the entry overhead.
// Replicated entries are DHT entries and carry the DHT overhead.
func (m *MemoryModel) RoleOverhead(role model.EntryRole) int {
	switch role {
	case model.RoleDHT, model.RoleReplicated:
		return m.overheads.DHTOverhead
	case model.RoleNear:
		return m.overheads.NearOverhead
	default:
		return 0
	}
}

// Size is the pure additive model
func (m *MemoryModel) Size(keySize, valueSize int, valueNull bool, role model.EntryRole, readers, extras int) int64 {
	if valueNull {
		valueSize = m.overheads.NullValueSize
	}
	return int64(keySize) +
		int64(valueSize) +
		int64(m.overheads.EntryOverhead) +
		int64(m.RoleOverhead(role)) +
		int64(readers)*int64(m.overheads.ReaderOverhead) +
		int64(extras)
}

// Footprint computes the size of an entry held in the given role with readerCount readers.
// Entries that only carry the encoded key are sized by that encoding.
func (m *MemoryModel) Footprint(entry *model.CacheEntry, role model.EntryRole, readerCount int) (int64, error) {
	keyBytes := entry.KeyBytes
	if entry.Key != nil {
		var err error
		keyBytes, err = m.serializer.Serialize(entry.Key)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize key: %w", err)
		}
	}

	valueSize := 0
	if entry.Value != nil {
		valueBytes, err := m.serializer.Serialize(entry.Value)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize value: %w", err)
		}
		valueSize = len(valueBytes)
	}

	return m.Size(len(keyBytes), valueSize, entry.Value == nil, role, readerCount, m.ExtrasSize(entry)), nil
}

// EntryFootprint computes the footprint from the entry's own role and readers
func (m *MemoryModel) EntryFootprint(entry *model.CacheEntry) (int64, error) {
	return m.Footprint(entry, entry.Role, len(entry.Readers))
}

// ExtrasSize returns the optional per-entry extras
func (m *MemoryModel) ExtrasSize(entry *model.CacheEntry) int {
	if entry.ExpireTime != 0 {
		return m.overheads.TTLExtrasSize
	}
	return 0
}
