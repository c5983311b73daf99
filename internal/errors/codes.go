package errors

import (
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for cluster operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors (4xx equivalent)
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeNotFound          ErrorCode = 1001
	ErrCodeIllegalTransition ErrorCode = 1002
	ErrCodeConfiguration     ErrorCode = 1003
	ErrCodeHashCollision     ErrorCode = 1004
	ErrCodeWrongNode         ErrorCode = 1005
	ErrCodeEmptyRing         ErrorCode = 1006

	// Cluster errors (5xx equivalent)
	ErrCodeInternal          ErrorCode = 2000
	ErrCodeCoordination      ErrorCode = 2001
	ErrCodeNoCapacity        ErrorCode = 2002
	ErrCodeTransferTimeout   ErrorCode = 2003
	ErrCodeReplicationFailed ErrorCode = 2004
	ErrCodeShutdown          ErrorCode = 2005
	ErrCodeNotServing        ErrorCode = 2006
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                "OK",
	ErrCodeInvalidArgument:   "INVALID_ARGUMENT",
	ErrCodeNotFound:          "NOT_FOUND",
	ErrCodeIllegalTransition: "ILLEGAL_TRANSITION",
	ErrCodeConfiguration:     "CONFIGURATION",
	ErrCodeHashCollision:     "HASH_COLLISION",
	ErrCodeWrongNode:         "WRONG_NODE",
	ErrCodeEmptyRing:         "EMPTY_RING",
	ErrCodeInternal:          "INTERNAL_ERROR",
	ErrCodeCoordination:      "COORDINATION",
	ErrCodeNoCapacity:        "NO_CAPACITY",
	ErrCodeTransferTimeout:   "TRANSFER_TIMEOUT",
	ErrCodeReplicationFailed: "REPLICATION_FAILED",
	ErrCodeShutdown:          "SHUT_DOWN",
	ErrCodeNotServing:        "NOT_SERVING",
}

// String returns the wire name of the code used in admin API error bodies.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// Sentinels for errors.Is. A ClusterError matches a sentinel with the same code.
var (
	ErrNoCapacity        = New(ErrCodeNoCapacity, "not enough idle nodes in pool", nil)
	ErrHashCollision     = New(ErrCodeHashCollision, "node hash collides with a node on the ring", nil)
	ErrIllegalTransition = New(ErrCodeIllegalTransition, "illegal state transition", nil)
	ErrNotFound          = New(ErrCodeNotFound, "not found", nil)
	ErrEmptyRing         = New(ErrCodeEmptyRing, "ring has no nodes", nil)
	ErrShutdown          = New(ErrCodeShutdown, "cluster is shut down", nil)
	ErrCoordination      = New(ErrCodeCoordination, "coordination store failure", nil)
	ErrTransferTimeout   = New(ErrCodeTransferTimeout, "range transfer timed out", nil)
	ErrReplication       = New(ErrCodeReplicationFailed, "replication failed", nil)
	ErrNotServing        = New(ErrCodeNotServing, "server is not serving writes", nil)
	ErrWrongNode         = New(ErrCodeWrongNode, "server not responsible for key", nil)
)

// ClusterError represents a structured error with code and context
type ClusterError struct {
	Code    ErrorCode
	Message string
	Node    string
	Cause   error
}

// Error implements the error interface
func (e *ClusterError) Error() string {
	msg := e.Message
	if e.Node != "" {
		msg = fmt.Sprintf("%s: node %s", msg, e.Node)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ClusterError) Unwrap() error {
	return e.Cause
}

// Is matches any ClusterError carrying the same code.
func (e *ClusterError) Is(target error) bool {
	t, ok := target.(*ClusterError)
	return ok && t.Code == e.Code
}

// New creates a new ClusterError
func New(code ErrorCode, message string, cause error) *ClusterError {
	return &ClusterError{Code: code, Message: message, Cause: cause}
}

// ForNode returns a copy of the sentinel e bound to a node and an optional cause.
func (e *ClusterError) ForNode(node string, cause error) *ClusterError {
	return &ClusterError{Code: e.Code, Message: e.Message, Node: node, Cause: cause}
}

// Wrap returns a copy of the sentinel e with cause attached.
func (e *ClusterError) Wrap(cause error) *ClusterError {
	return &ClusterError{Code: e.Code, Message: e.Message, Node: e.Node, Cause: cause}
}

// ToGRPCStatus converts ClusterError to gRPC status
func (e *ClusterError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *ClusterError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeConfiguration, ErrCodeHashCollision:
		return codes.InvalidArgument
	case ErrCodeNotFound, ErrCodeEmptyRing:
		return codes.NotFound
	case ErrCodeIllegalTransition, ErrCodeWrongNode:
		return codes.FailedPrecondition
	case ErrCodeNoCapacity:
		return codes.ResourceExhausted
	case ErrCodeTransferTimeout:
		return codes.DeadlineExceeded
	case ErrCodeCoordination, ErrCodeNotServing, ErrCodeShutdown:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the error code onto an HTTP status for the admin API.
func (e *ClusterError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeConfiguration, ErrCodeHashCollision:
		return http.StatusBadRequest
	case ErrCodeNotFound, ErrCodeEmptyRing:
		return http.StatusNotFound
	case ErrCodeIllegalTransition, ErrCodeWrongNode:
		return http.StatusConflict
	case ErrCodeNoCapacity:
		return http.StatusInsufficientStorage
	case ErrCodeTransferTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeCoordination, ErrCodeNotServing, ErrCodeShutdown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// InvalidArgument reports a malformed request.
func InvalidArgument(message string, cause error) *ClusterError {
	return New(ErrCodeInvalidArgument, message, cause)
}

// Configuration reports a configuration error such as a malformed pool file.
func Configuration(message string, cause error) *ClusterError {
	return New(ErrCodeConfiguration, message, cause)
}

// Coordination wraps a coordination store failure.
func Coordination(message string, cause error) *ClusterError {
	return New(ErrCodeCoordination, message, cause)
}

func InternalError(message string, cause error) *ClusterError {
	return New(ErrCodeInternal, message, cause)
}

// GetCode extracts the error code from an error chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *ClusterError
	if As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// GRPCError converts any error into a gRPC status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClusterError
	if As(err, &ce) {
		return ce.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// HTTPStatus maps any error onto an HTTP status.
func HTTPStatus(err error) int {
	var ce *ClusterError
	if As(err, &ce) {
		return ce.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// NodeOutcome is the per-node result of a batch operation. Err is nil on success.
type NodeOutcome struct {
	Name string
	Err  error
}

// Failed returns the outcomes that carry an error.
func Failed(outcomes []NodeOutcome) []NodeOutcome {
	var failed []NodeOutcome
	for _, o := range outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
