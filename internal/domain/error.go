/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("item not found")
	ErrOutOfErrorBudget = errors.New("out of error data budget")
	ErrInterrupted      = errors.New("operation interrupted")
	ErrUnknownSigner    = errors.New("unknown signing component")
)

const (
	// HTTPStatusDeviceNotRegistered is returned by the provisioning server for
	// devices it has no record of. Retrying will not help.
	HTTPStatusDeviceNotRegistered = 444
)

// ErrorCode classifies failures talking to the signing component or the
// provisioning server.
type ErrorCode int

const (
	NoNetworkConnectivity ErrorCode = iota
	NetworkCommunicationError
	DeviceNotRegistered
	HTTPClientError
	HTTPServerError
	HTTPUnknownError
	InternalError
)

func (c ErrorCode) String() string {
	switch c {
	case NoNetworkConnectivity:
		return "NO_NETWORK_CONNECTIVITY"
	case NetworkCommunicationError:
		return "NETWORK_COMMUNICATION_ERROR"
	case DeviceNotRegistered:
		return "DEVICE_NOT_REGISTERED"
	case HTTPClientError:
		return "HTTP_CLIENT_ERROR"
	case HTTPServerError:
		return "HTTP_SERVER_ERROR"
	case HTTPUnknownError:
		return "HTTP_UNKNOWN_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// RkpdError is an error carrying an ErrorCode.
type RkpdError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *RkpdError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RkpdError) Unwrap() error {
	return e.Err
}

func NewError(code ErrorCode, message string) *RkpdError {
	return &RkpdError{Code: code, Message: message}
}

func WrapError(code ErrorCode, message string, err error) *RkpdError {
	return &RkpdError{Code: code, Message: message, Err: err}
}

// NewHTTPError maps a non-200 HTTP status from the provisioning server.
func NewHTTPError(status int) *RkpdError {
	message := fmt.Sprintf("HTTP error status encountered: %d", status)
	switch {
	case status == HTTPStatusDeviceNotRegistered:
		return NewError(DeviceNotRegistered, message)
	case status/100 == 4:
		return NewError(HTTPClientError, message)
	case status/100 == 5:
		return NewError(HTTPServerError, message)
	default:
		return NewError(HTTPUnknownError, message)
	}
}

// CodeOf returns the code of the first RkpdError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var rerr *RkpdError
	if errors.As(err, &rerr) {
		return rerr.Code, true
	}
	return 0, false
}

// Retryable reports whether a failed exchange is worth another attempt.
func (c ErrorCode) Retryable() bool {
	switch c {
	case NetworkCommunicationError, NoNetworkConnectivity, HTTPServerError, HTTPUnknownError:
		return true
	default:
		return false
	}
}
