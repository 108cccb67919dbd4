package client

import (
	"errors"
	"fmt"
)

// Sentinel errors for manager operations
var (
	// ErrChannelNotFound is returned when sending on a channel that was
	// never connected or has been disconnected
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelNotOpen is returned by an immediate send while the channel
	// is connecting or closed
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrInvalidMethod is returned by Request for methods other than
	// GET, POST, PUT and DELETE
	ErrInvalidMethod = errors.New("invalid HTTP method")

	// ErrManagerClosed is returned once Close has been called
	ErrManagerClosed = errors.New("manager closed")

	// ErrOutOfRange is returned by command helpers for arguments the device rejects
	ErrOutOfRange = errors.New("argument out of range")
)

// APIError is a non-2xx answer from the device's REST API.
type APIError struct {
	StatusCode int
	StatusText string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %d %s - %s", e.StatusCode, e.StatusText, e.Body)
}

// ChannelError is delivered to OnError. Detail says what went wrong at the
// channel level ("Connection failed", "Parse error", ...); Err is the cause.
type ChannelError struct {
	Channel string
	Detail  string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s: %s", e.Channel, e.Detail)
	}

	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Detail, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Channel-level error details.
const (
	DetailConnectionFailed = "Connection failed"
	DetailConnectionClosed = "Connection closed"
	DetailParse            = "Parse error"
	DetailFlush            = "Batch flush failed"
)
