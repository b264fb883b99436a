package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cache operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, scoped to one operation
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeInvalidKey      ErrorCode = 1001
	ErrCodeKeyNotFound     ErrorCode = 1002
	ErrCodeVersionMismatch ErrorCode = 1003

	// Topology errors, recoverable by retrying against the current version
	ErrCodeStaleTopologyVersion ErrorCode = 2000
	ErrCodeTopologyNotReady     ErrorCode = 2001
	ErrCodeNoOwners             ErrorCode = 2002
	ErrCodeRemapRequired        ErrorCode = 2003

	// Conflict resolution
	ErrCodeResolverFailure ErrorCode = 3000

	// Server errors
	ErrCodeInternal    ErrorCode = 4000
	ErrCodeUnavailable ErrorCode = 4001
)

// Sentinels for errors.Is checks; matching is by code
var (
	ErrInvalidKey           = NewCacheError(ErrCodeInvalidKey, "invalid key", nil)
	ErrKeyNotFound          = NewCacheError(ErrCodeKeyNotFound, "key not found", nil)
	ErrVersionMismatch      = NewCacheError(ErrCodeVersionMismatch, "version mismatch", nil)
	ErrStaleTopologyVersion = NewCacheError(ErrCodeStaleTopologyVersion, "stale topology version", nil)
	ErrTopologyNotReady     = NewCacheError(ErrCodeTopologyNotReady, "topology not ready", nil)
	ErrNoOwners             = NewCacheError(ErrCodeNoOwners, "no owners", nil)
	ErrRemapRequired        = NewCacheError(ErrCodeRemapRequired, "remap required", nil)
	ErrResolverFailure      = NewCacheError(ErrCodeResolverFailure, "resolver failure", nil)
	ErrInternal             = NewCacheError(ErrCodeInternal, "internal error", nil)
	ErrUnavailable          = NewCacheError(ErrCodeUnavailable, "unavailable", nil)
)

// CacheError represents a structured error with code and context
type CacheError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *CacheError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches any CacheError carrying the same code
func (e *CacheError) Is(target error) bool {
	t, ok := target.(*CacheError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts CacheError to gRPC status
func (e *CacheError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *CacheError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeVersionMismatch:
		return codes.FailedPrecondition
	case ErrCodeStaleTopologyVersion, ErrCodeTopologyNotReady, ErrCodeRemapRequired:
		return codes.Aborted
	case ErrCodeNoOwners, ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewCacheError creates a new CacheError
func NewCacheError(code ErrorCode, message string, cause error) *CacheError {
	return &CacheError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail returns a copy of the error carrying the detail. The receiver is
// left untouched, so it is safe on the shared sentinels.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value

	out := *e
	out.Details = details
	return &out
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidArgument, message, cause)
}

func InvalidKey(reason string, cause error) *CacheError {
	return NewCacheError(ErrCodeInvalidKey, fmt.Sprintf("invalid key: %s", reason), cause).
		WithDetail("reason", reason)
}

func KeyNotFound(key interface{}) *CacheError {
	return NewCacheError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %v", key), nil).
		WithDetail("key", key)
}

func VersionMismatch(expected, actual fmt.Stringer) *CacheError {
	return NewCacheError(ErrCodeVersionMismatch, fmt.Sprintf("expected %s, found %s", expected, actual), nil).
		WithDetail("expected", expected.String()).
		WithDetail("actual", actual.String())
}

func StaleTopologyVersion(requested, oldest int64) *CacheError {
	return NewCacheError(ErrCodeStaleTopologyVersion,
		fmt.Sprintf("topology version %d was discarded, oldest retained is %d", requested, oldest), nil).
		WithDetail("requested", requested).
		WithDetail("oldest", oldest)
}

func TopologyNotReady(requested, current int64) *CacheError {
	return NewCacheError(ErrCodeTopologyNotReady,
		fmt.Sprintf("topology version %d is not published, current is %d", requested, current), nil).
		WithDetail("requested", requested).
		WithDetail("current", current)
}

func NoOwners(partition int, topologyVersion int64) *CacheError {
	return NewCacheError(ErrCodeNoOwners,
		fmt.Sprintf("partition %d has no owners at topology version %d", partition, topologyVersion), nil).
		WithDetail("partition", partition).
		WithDetail("topology_version", topologyVersion)
}

func RemapRequired(partition int, nodeID string, topologyVersion int64) *CacheError {
	return NewCacheError(ErrCodeRemapRequired,
		fmt.Sprintf("node %s is not the primary of partition %d at topology version %d", nodeID, partition, topologyVersion), nil).
		WithDetail("partition", partition).
		WithDetail("node_id", nodeID).
		WithDetail("topology_version", topologyVersion)
}

func ResolverFailure(cause error) *CacheError {
	return NewCacheError(ErrCodeResolverFailure, "conflict resolver failed", cause)
}

func InternalError(message string, cause error) *CacheError {
	return NewCacheError(ErrCodeInternal, message, cause)
}

func Unavailable(nodeID string, cause error) *CacheError {
	return NewCacheError(ErrCodeUnavailable, fmt.Sprintf("node %s unavailable", nodeID), cause).
		WithDetail("node_id", nodeID)
}

// IsCacheError checks if an error is or wraps a CacheError
func IsCacheError(err error) bool {
	var ce *CacheError
	return stderrors.As(err, &ce)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CacheError
	if stderrors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the routing layer should retry against the current topology
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrCodeStaleTopologyVersion, ErrCodeTopologyNotReady, ErrCodeRemapRequired:
		return true
	default:
		return false
	}
}
