package model

import (
	"fmt"
	"math"
	"strings"
)

// ReplicatedBackups requests that every server node own every partition
const ReplicatedBackups = math.MaxInt32

// CacheMode selects how a cache distributes its partitions
type CacheMode string

const (
	// CacheModeLocal keeps every entry on the local node only
	CacheModeLocal CacheMode = "local"
	// CacheModePartitioned spreads partitions over primary and backup owners
	CacheModePartitioned CacheMode = "partitioned"
	// CacheModeReplicated makes every server node own every partition
	CacheModeReplicated CacheMode = "replicated"
)

// ParseCacheMode parses a configured cache mode
func ParseCacheMode(s string) (CacheMode, error) {
	switch m := CacheMode(strings.ToLower(s)); m {
	case CacheModeLocal, CacheModePartitioned, CacheModeReplicated:
		return m, nil
	default:
		return "", fmt.Errorf("unknown cache mode %q", s)
	}
}

// EntryRole returns the role of owned entries in this mode
func (m CacheMode) EntryRole() EntryRole {
	switch m {
	case CacheModeReplicated:
		return RoleReplicated
	case CacheModeLocal:
		return RoleLocal
	default:
		return RoleDHT
	}
}

// WriteSyncMode controls how long a write waits for backup acknowledgements
type WriteSyncMode string

const (
	// WriteSyncFull waits for every backup
	WriteSyncFull WriteSyncMode = "full_sync"
	// WriteSyncPrimary waits for the primary only
	WriteSyncPrimary WriteSyncMode = "primary_sync"
	// WriteSyncFullAsync waits for nothing beyond the local primary apply
	WriteSyncFullAsync WriteSyncMode = "full_async"
)

// ParseWriteSyncMode parses a configured write synchronization mode
func ParseWriteSyncMode(s string) (WriteSyncMode, error) {
	switch m := WriteSyncMode(strings.ToLower(s)); m {
	case WriteSyncFull, WriteSyncPrimary, WriteSyncFullAsync:
		return m, nil
	default:
		return "", fmt.Errorf("unknown write sync mode %q", s)
	}
}

// CacheSettings is the per-cache configuration consumed by the core
type CacheSettings struct {
	Name         string
	Mode         CacheMode
	Partitions   int
	Backups      int
	NearEnabled  bool
	WriteSync    WriteSyncMode
	ReadThrough  bool
	WriteThrough bool
}

// EffectiveBackups returns the backup count passed to the affinity function
func (s CacheSettings) EffectiveBackups() int {
	switch s.Mode {
	case CacheModeReplicated:
		return ReplicatedBackups
	case CacheModeLocal:
		return 0
	default:
		return s.Backups
	}
}
