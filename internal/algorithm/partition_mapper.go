package algorithm

import (
	"fmt"
	"reflect"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	cerrors "github.com/devrev/gridcache/internal/errors"
)

// AffinityKeyed is implemented by keys that must be collocated with another key.
// The partition is computed from AffinityKey instead of the key itself.
type AffinityKeyed interface {
	AffinityKey() interface{}
}

// PartitionMapper maps cache keys to partitions.
// The mapping depends only on the canonical CBOR encoding of the key and xxhash64,
// so every process computes the same partition for the same key.
type PartitionMapper struct {
	partitions int
	enc        cbor.EncMode
}

// NewPartitionMapper creates a mapper for a fixed partition count
func NewPartitionMapper(partitions int) (*PartitionMapper, error) {
	if partitions <= 0 {
		return nil, cerrors.InvalidArgument(fmt.Sprintf("partition count must be positive, got %d", partitions), nil)
	}

	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build canonical encoder: %w", err)
	}

	return &PartitionMapper{
		partitions: partitions,
		enc:        enc,
	}, nil
}

// Partitions returns the partition count
func (m *PartitionMapper) Partitions() int {
	return m.partitions
}

// PartitionOf returns the partition owning the key
func (m *PartitionMapper) PartitionOf(key interface{}) (int, error) {
	if ak, ok := key.(AffinityKeyed); ok && !isNil(key) {
		key = ak.AffinityKey()
	}

	b, err := m.KeyBytes(key)
	if err != nil {
		return 0, err
	}

	return m.PartitionOfBytes(b), nil
}

// PartitionOfBytes returns the partition for an already encoded key
func (m *PartitionMapper) PartitionOfBytes(keyBytes []byte) int {
	return int(xxhash.Sum64(keyBytes) % uint64(m.partitions))
}

// KeyBytes returns the canonical encoding of the key.
// It is the entry identity inside partition tables and the key passed to stores.
func (m *PartitionMapper) KeyBytes(key interface{}) ([]byte, error) {
	if isNil(key) {
		return nil, cerrors.InvalidKey("key is nil", nil)
	}

	if t := reflect.Indirect(reflect.ValueOf(key)).Type(); t.Kind() == reflect.Struct && !hasExportedField(t) {
		return nil, cerrors.InvalidKey(fmt.Sprintf("key of type %T has no exported fields", key), nil)
	}

	b, err := m.enc.Marshal(key)
	if err != nil {
		return nil, cerrors.InvalidKey(fmt.Sprintf("key of type %T is not hashable", key), err)
	}

	return b, nil
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}

// hasExportedField reports whether a struct encodes any field. A struct with only
// unexported fields encodes the same as every other such struct.
func hasExportedField(t reflect.Type) bool {
	if t.NumField() == 0 {
		return true
	}
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() {
			return true
		}
	}
	return false
}
