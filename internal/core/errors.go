package core

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrorCode is a numeric error class inside the reserved 2000-2999 range.
// Anything crossing an adapter or controller boundary carries one of these.
type ErrorCode int

const (
	// Connection errors.
	ErrConnectionError    ErrorCode = 2000
	ErrMediaServerOffline ErrorCode = 2001
	ErrRequestTimeout     ErrorCode = 2002

	// Resource errors.
	ErrMediaServerNoResources  ErrorCode = 2003
	ErrMediaServerRequestError ErrorCode = 2004
	ErrThresholdExceeded       ErrorCode = 2005

	// Lookup errors.
	ErrRoomNotFound         ErrorCode = 2010
	ErrUserNotFound         ErrorCode = 2011
	ErrMediaNotFound        ErrorCode = 2012
	ErrMediaSessionNotFound ErrorCode = 2013
	ErrHostNotFound         ErrorCode = 2014

	// Media errors.
	ErrInvalidSDP          ErrorCode = 2020
	ErrNoCompatibleCodec   ErrorCode = 2021
	ErrInvalidMediaType    ErrorCode = 2022
	ErrInvalidOperation    ErrorCode = 2023
	ErrOfferProcessFailed  ErrorCode = 2024
	ErrAnswerProcessFailed ErrorCode = 2025
	ErrIDCollision         ErrorCode = 2026
	ErrAdapterNotFound     ErrorCode = 2027

	// ICE errors.
	ErrIceCandidateFailed ErrorCode = 2030
	ErrIceGatheringFailed ErrorCode = 2031

	// Backend protocol errors.
	ErrAuthentication ErrorCode = 2040
	ErrCommandError   ErrorCode = 2041

	// Fallback for anything unmapped.
	ErrGenericError ErrorCode = 2999
)

func (c ErrorCode) String() string {
	switch c {
	case ErrConnectionError:
		return "CONNECTION_ERROR"
	case ErrMediaServerOffline:
		return "MEDIA_SERVER_OFFLINE"
	case ErrRequestTimeout:
		return "MEDIA_SERVER_REQUEST_TIMEOUT"
	case ErrMediaServerNoResources:
		return "MEDIA_SERVER_NO_RESOURCES"
	case ErrMediaServerRequestError:
		return "MEDIA_SERVER_REQUEST_ERROR"
	case ErrThresholdExceeded:
		return "MEDIA_THRESHOLD_EXCEEDED"
	case ErrRoomNotFound:
		return "ROOM_NOT_FOUND"
	case ErrUserNotFound:
		return "USER_NOT_FOUND"
	case ErrMediaNotFound:
		return "MEDIA_NOT_FOUND"
	case ErrMediaSessionNotFound:
		return "MEDIA_SESSION_NOT_FOUND"
	case ErrHostNotFound:
		return "HOST_NOT_FOUND"
	case ErrInvalidSDP:
		return "INVALID_SDP"
	case ErrNoCompatibleCodec:
		return "NO_COMPATIBLE_CODEC"
	case ErrInvalidMediaType:
		return "INVALID_MEDIA_TYPE"
	case ErrInvalidOperation:
		return "INVALID_OPERATION"
	case ErrOfferProcessFailed:
		return "OFFER_PROCESSING_FAILED"
	case ErrAnswerProcessFailed:
		return "ANSWER_PROCESSING_FAILED"
	case ErrIDCollision:
		return "ID_COLLISION"
	case ErrAdapterNotFound:
		return "ADAPTER_NOT_FOUND"
	case ErrIceCandidateFailed:
		return "ICE_CANDIDATE_FAILED"
	case ErrIceGatheringFailed:
		return "ICE_GATHERING_FAILED"
	case ErrAuthentication:
		return "AUTHENTICATION_ERROR"
	case ErrCommandError:
		return "COMMAND_ERROR"
	default:
		return "GENERIC_ERROR"
	}
}

// MCSError is the normalized error shape crossing every boundary in the
// control plane.
type MCSError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`

	cause   error
	stack   string
	logOnce sync.Once
}

func (e *MCSError) Error() string {
	return fmt.Sprintf("%d %s: %s", int(e.Code), e.Code.String(), e.Message)
}

func (e *MCSError) Unwrap() error { return e.cause }

// LogStack writes the captured stack for this error instance at most once,
// no matter how many layers re-log it on the way up.
func (e *MCSError) LogStack() {
	e.logOnce.Do(func() {
		log.Error().
			Str("module", "core.errors").
			Int("code", int(e.Code)).
			Str("error", e.Message).
			Msg(e.stack)
	})
}

// NewError builds an in-range error with a captured stack.
func NewError(code ErrorCode, message string) *MCSError {
	return &MCSError{Code: code, Message: message, stack: string(debug.Stack())}
}

// NewErrorf is NewError with formatting.
func NewErrorf(code ErrorCode, format string, args ...any) *MCSError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithDetails attaches operation context to the error and returns it.
func (e *MCSError) WithDetails(details any) *MCSError {
	e.Details = details
	return e
}

// Normalize guarantees the returned error is an *MCSError with a code inside
// the reserved range. Well-known backend message substrings are remapped to
// their classes; everything else falls back to GENERIC_ERROR. The input error
// is kept as the cause for errors.Is/As chains.
func Normalize(err error) *MCSError {
	if err == nil {
		return nil
	}
	var me *MCSError
	if errors.As(err, &me) {
		return me
	}
	msg := err.Error()
	code := ErrGenericError
	switch {
	case strings.Contains(msg, "Request has timed out"),
		strings.Contains(msg, "context deadline exceeded"):
		code = ErrRequestTimeout
	case strings.Contains(msg, "Connection error"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"):
		code = ErrConnectionError
	}
	ne := NewError(code, msg)
	ne.cause = err
	return ne
}
