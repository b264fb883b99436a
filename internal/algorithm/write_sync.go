package algorithm

import "github.com/devrev/gridcache/internal/model"

// WriteSyncCalculator calculates backup acknowledgement requirements
type WriteSyncCalculator struct{}

// NewWriteSyncCalculator creates a new write sync calculator
func NewWriteSyncCalculator() *WriteSyncCalculator {
	return &WriteSyncCalculator{}
}

// RequiredBackupAcks returns how many backups must acknowledge before a write completes
func (w *WriteSyncCalculator) RequiredBackupAcks(mode model.WriteSyncMode, backups int) int {
	switch mode {
	case model.WriteSyncFull:
		return backups
	default:
		// primary_sync and full_async complete once the primary applied the write
		return 0
	}
}

// WaitForBackups reports whether backup propagation is synchronous
func (w *WriteSyncCalculator) WaitForBackups(mode model.WriteSyncMode) bool {
	return mode == model.WriteSyncFull
}

// IsSatisfied checks if enough backups acknowledged
func (w *WriteSyncCalculator) IsSatisfied(mode model.WriteSyncMode, acked, backups int) bool {
	return acked >= w.RequiredBackupAcks(mode, backups)
}
