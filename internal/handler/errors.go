package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	cerrors "github.com/devrev/gridcache/internal/errors"
)

// ErrorCode is the string code carried in HTTP error bodies
type ErrorCode string

const (
	ErrorCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrorCodeInvalidKey      ErrorCode = "INVALID_KEY"
	ErrorCodeKeyNotFound     ErrorCode = "KEY_NOT_FOUND"
	ErrorCodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	ErrorCodeStaleTopology   ErrorCode = "STALE_TOPOLOGY_VERSION"
	ErrorCodeNotReady        ErrorCode = "TOPOLOGY_NOT_READY"
	ErrorCodeNoOwners        ErrorCode = "NO_OWNERS"
	ErrorCodeRemapRequired   ErrorCode = "REMAP_REQUIRED"
	ErrorCodeResolverFailure ErrorCode = "RESOLVER_FAILURE"
	ErrorCodeServiceDown     ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// ErrorHandler turns cache errors into HTTP responses
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err using the status its gRPC code maps to
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	code := cerrors.GetCode(err)
	st := (&cerrors.CacheError{Code: code}).ToGRPCStatus()
	statusCode := GRPCToHTTPStatus(st.Code())
	if stderrors.Is(err, context.DeadlineExceeded) {
		statusCode = GRPCToHTTPStatus(codes.DeadlineExceeded)
	}

	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get("X-Request-ID")),
			zap.Error(err))
	}

	h.WriteErrorResponse(w, statusCode, errorCodeFor(code), err.Error(), r.Header.Get("X-Request-ID"))
}

// WriteValidationError writes a 400 for a malformed request
func (h *ErrorHandler) WriteValidationError(w http.ResponseWriter, message, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WriteErrorResponse writes an error response
func (h *ErrorHandler) WriteErrorResponse(w http.ResponseWriter, statusCode int, code ErrorCode, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: requestID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// GRPCToHTTPStatus maps a gRPC code to an HTTP status
func GRPCToHTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeFor(code cerrors.ErrorCode) ErrorCode {
	switch code {
	case cerrors.ErrCodeInvalidArgument:
		return ErrorCodeInvalidRequest
	case cerrors.ErrCodeInvalidKey:
		return ErrorCodeInvalidKey
	case cerrors.ErrCodeKeyNotFound:
		return ErrorCodeKeyNotFound
	case cerrors.ErrCodeVersionMismatch:
		return ErrorCodeVersionMismatch
	case cerrors.ErrCodeStaleTopologyVersion:
		return ErrorCodeStaleTopology
	case cerrors.ErrCodeTopologyNotReady:
		return ErrorCodeNotReady
	case cerrors.ErrCodeNoOwners:
		return ErrorCodeNoOwners
	case cerrors.ErrCodeRemapRequired:
		return ErrorCodeRemapRequired
	case cerrors.ErrCodeResolverFailure:
		return ErrorCodeResolverFailure
	case cerrors.ErrCodeUnavailable:
		return ErrorCodeServiceDown
	default:
		return ErrorCodeInternalError
	}
}
