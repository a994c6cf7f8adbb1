package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrSyncInProgress indicates that another sync session is running.
	ErrSyncInProgress = errors.New("relay: sync already in progress")
	// ErrNotRegistered indicates an operation that requires a registered device.
	ErrNotRegistered = errors.New("relay: device is not registered")
	// ErrAlreadyRegistered indicates a registration attempt on a registered device.
	ErrAlreadyRegistered = errors.New("relay: device is already registered")
	// ErrInvalidServerAddress indicates an empty server address.
	ErrInvalidServerAddress = errors.New("relay: invalid server address")
	// ErrUnknownRequest indicates a request type the processor does not handle.
	ErrUnknownRequest = errors.New("relay: unknown request")

	errMissingStore     = errors.New("relay: store is required")
	errMissingTransport = errors.New("relay: transport is required")
)

// Kind classifies a failed relay operation.
type Kind string

const (
	// KindNetwork marks an unreachable server or a broken connection.
	KindNetwork Kind = "network"
	// KindServer marks an explicit error signalled by the server.
	KindServer Kind = "server"
	// KindTimeout marks a bounded wait that expired.
	KindTimeout Kind = "timeout"
	// KindLocalStorage marks a durable write or read that failed.
	KindLocalStorage Kind = "local_storage"
)

// Error reports a failed operation together with its kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}
	return "", false
}

// Retryable reports whether the next scheduled invocation may succeed
// without intervention. Local storage failures are never retryable.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindNetwork, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classifyTransport maps a transport failure onto an error kind.
func classifyTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindNetwork, op, err)
	}
	grpcStatus, ok := status.FromError(err)
	if !ok {
		return newError(KindNetwork, op, err)
	}
	switch grpcStatus.Code() {
	case codes.Unavailable, codes.Canceled, codes.Aborted, codes.ResourceExhausted:
		return newError(KindNetwork, op, err)
	case codes.DeadlineExceeded:
		return newError(KindTimeout, op, err)
	default:
		return newError(KindServer, op, err)
	}
}

// classifyApply separates storage failures from invalid items sent by the server.
func classifyApply(op string, err error) error {
	var storeErr *chat.StoreError
	if errors.As(err, &storeErr) {
		return newError(KindLocalStorage, op, err)
	}
	return newError(KindServer, op, err)
}
