package model

import (
	"sort"
	"time"
)

// EntryRole describes why a node holds a copy of an entry
type EntryRole int

const (
	// RoleLocal is an entry of a LOCAL cache
	RoleLocal EntryRole = iota
	// RoleDHT is an entry held by a primary or backup owner of a partitioned cache
	RoleDHT
	// RoleNear is a non-authoritative copy cached on a non-owner
	RoleNear
	// RoleReplicated is an entry of a REPLICATED cache
	RoleReplicated
)

// String returns the role name
func (r EntryRole) String() string {
	switch r {
	case RoleLocal:
		return "local"
	case RoleDHT:
		return "dht"
	case RoleNear:
		return "near"
	case RoleReplicated:
		return "replicated"
	default:
		return "unknown"
	}
}

// EntryState is the lifecycle state of a cache entry
type EntryState int

const (
	// StateAbsent means there is no entry for the key
	StateAbsent EntryState = iota
	// StatePresent means the entry holds a value
	StatePresent
	// StateTombstone means the entry was removed and the deletion version is retained
	StateTombstone
)

// String returns the state name
func (s EntryState) String() string {
	switch s {
	case StateAbsent:
		return "ABSENT"
	case StatePresent:
		return "PRESENT"
	case StateTombstone:
		return "TOMBSTONE"
	default:
		return "UNKNOWN"
	}
}

// CacheEntry represents one key held by a node
type CacheEntry struct {
	Key           interface{} // Original key, used for footprint serialization
	KeyBytes      []byte      // Canonical key encoding, the table identity
	Value         []byte      // nil means tombstone
	Version       EntryVersion
	Partition     int
	Role          EntryRole
	Readers       []string // Near readers registered on a DHT entry, sorted
	PrimaryNodeID string   // Primary a near entry was read from
	ExpireTime    int64    // Unix nanos, 0 means no expiry
	UpdatedAt     int64    // Local wall clock of the last change, unix nanos
}

// State returns the lifecycle state of the entry
func (e *CacheEntry) State() EntryState {
	if e == nil {
		return StateAbsent
	}
	if e.Value == nil {
		return StateTombstone
	}
	return StatePresent
}

// IsExpired reports whether the entry TTL elapsed at the given time
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return e.ExpireTime != 0 && now.UnixNano() >= e.ExpireTime
}

// Versioned returns the value and version pair
func (e *CacheEntry) Versioned() VersionedValue {
	return VersionedValue{Value: e.Value, Version: e.Version}
}

// HasReader reports whether the node is registered as a near reader
func (e *CacheEntry) HasReader(nodeID string) bool {
	i := sort.SearchStrings(e.Readers, nodeID)
	return i < len(e.Readers) && e.Readers[i] == nodeID
}

// AddReader registers a near reader, keeping Readers sorted. Returns false if already present.
func (e *CacheEntry) AddReader(nodeID string) bool {
	i := sort.SearchStrings(e.Readers, nodeID)
	if i < len(e.Readers) && e.Readers[i] == nodeID {
		return false
	}
	e.Readers = append(e.Readers, "")
	copy(e.Readers[i+1:], e.Readers[i:])
	e.Readers[i] = nodeID
	return true
}

// RemoveReader unregisters a near reader
func (e *CacheEntry) RemoveReader(nodeID string) bool {
	i := sort.SearchStrings(e.Readers, nodeID)
	if i >= len(e.Readers) || e.Readers[i] != nodeID {
		return false
	}
	e.Readers = append(e.Readers[:i], e.Readers[i+1:]...)
	return true
}

// Clone returns a copy that shares the immutable value bytes
func (e *CacheEntry) Clone() *CacheEntry {
	c := *e
	if e.Readers != nil {
		c.Readers = append([]string(nil), e.Readers...)
	}
	return &c
}

// UpdateKind tells the receiving node why an update was sent
type UpdateKind string

const (
	// UpdateBackup carries a primary write to a backup owner
	UpdateBackup UpdateKind = "backup"
	// UpdateNear refreshes a near reader copy
	UpdateNear UpdateKind = "near"
	// UpdateRebalance carries a supplied entry during rebalancing
	UpdateRebalance UpdateKind = "rebalance"
)

// Update is an entry change shipped between nodes
type Update struct {
	Kind            UpdateKind
	Key             interface{}
	KeyBytes        []byte
	Partition       int
	Value           []byte
	Version         EntryVersion
	ExpireTime      int64
	TopologyVersion int64
	OriginNodeID    string
}

// Versioned returns the value and version pair carried by the update
func (u *Update) Versioned() VersionedValue {
	return VersionedValue{Value: u.Value, Version: u.Version}
}
