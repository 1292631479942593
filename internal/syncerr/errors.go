// Package syncerr defines the error taxonomy shared by the sync engine.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable identifier that can cross the HTTP boundary.
type Code string

const (
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeNetworkUnavailable Code = "NETWORK_UNAVAILABLE"
	CodeRemoteRejected     Code = "REMOTE_REJECTED"
	CodeAuthExpired        Code = "AUTH_EXPIRED"
	CodeAuthRevoked        Code = "AUTH_REVOKED"
	CodeStorage            Code = "STORAGE_ERROR"
	CodeCapabilityMismatch Code = "CAPABILITY_MISMATCH"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeNotConnected       Code = "NOT_CONNECTED"
	CodeUnknownSource      Code = "UNKNOWN_SOURCE"
)

// Sentinel errors for sync and credential operations.
var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrAuthExpired        = errors.New("credential expired")
	ErrAuthRevoked        = errors.New("credential revoked, reconnect required")
	ErrCapabilityMismatch = errors.New("data type not supported by source")
	ErrInvalidState       = errors.New("invalid oauth state")
	ErrNotConnected       = errors.New("source not connected")
	ErrUnknownSource      = errors.New("unknown source")
)

// RemoteRejected is a non-2xx response from the remote API.
type RemoteRejected struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *RemoteRejected) Error() string {
	return fmt.Sprintf("remote rejected %s %s (%d): %s", e.Method, e.Path, e.Status, e.Body)
}

// Is lets a 401 match ErrAuthExpired.
func (e *RemoteRejected) Is(target error) bool {
	return target == ErrAuthExpired && e.Status == http.StatusUnauthorized
}

// Retryable reports whether resending the same request may succeed.
// Client errors other than timeouts, throttling and auth are final.
func (e *RemoteRejected) Retryable() bool {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.Status < 400 || e.Status >= 500
}

// StorageError is a local persistence failure. The log is left intact.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a StorageError; nil stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// CapabilityError names the rejected data type.
type CapabilityError struct {
	SourceID  string
	DataType  string
	Supported []string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("source %s does not provide %q (supports %v)", e.SourceID, e.DataType, e.Supported)
}

func (e *CapabilityError) Unwrap() error {
	return ErrCapabilityMismatch
}

// IsRetryable reports whether a failed remote call should stay queued.
func IsRetryable(err error) bool {
	var rr *RemoteRejected
	if errors.As(err, &rr) {
		return rr.Retryable()
	}
	return true
}

// CodeOf maps err onto the taxonomy.
func CodeOf(err error) Code {
	var (
		se *StorageError
		rr *RemoteRejected
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return CodeStorage
	case errors.Is(err, ErrCapabilityMismatch):
		return CodeCapabilityMismatch
	case errors.Is(err, ErrAuthRevoked):
		return CodeAuthRevoked
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrAuthExpired):
		return CodeAuthExpired
	case errors.Is(err, ErrNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrUnknownSource):
		return CodeUnknownSource
	case errors.As(err, &rr):
		return CodeRemoteRejected
	case errors.Is(err, ErrNetworkUnavailable):
		return CodeNetworkUnavailable
	}
	return CodeInternal
}

// HTTPStatus maps err onto a response status for the control plane.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeCapabilityMismatch, CodeInvalidState:
		return http.StatusBadRequest
	case CodeAuthRevoked, CodeAuthExpired:
		return http.StatusUnauthorized
	case CodeNotConnected, CodeUnknownSource:
		return http.StatusNotFound
	case CodeRemoteRejected, CodeNetworkUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
