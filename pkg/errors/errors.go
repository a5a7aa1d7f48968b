// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Twinkly Bridge.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// # Benefits of Structured Errors
//
//   - Type-safe error inspection with errors.As() and errors.Is()
//   - Context-rich error messages with operation and underlying error details
//   - Consistent error formatting across the application
//   - Better error wrapping and unwrapping support
//   - Enhanced logging with structured error fields
//
// # Example Usage
//
//	err := errors.NewAuthError("login", "192.168.1.50", fmt.Errorf("connection refused"))
//	if errors.IsAuthError(err) {
//	    log.Printf("Authentication failed: %v", err)
//	}
//
//	var authErr *errors.AuthError
//	if errors.As(err, &authErr) {
//	    log.Printf("Failed operation: %s", authErr.Op)
//	}
package errors

import (
	"errors"
	"fmt"
)

// AuthError represents a failure to authenticate against a device.
// It covers both the login call and the token verification call.
type AuthError struct {
	Op   string // Operation being performed (e.g., "login", "verify token")
	Host string // Device host the authentication was attempted against
	Err  error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s (host=%s): %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("auth %s (host=%s) failed", e.Op, e.Host)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError creates a new authentication error.
func NewAuthError(op string, host string, err error) *AuthError {
	return &AuthError{Op: op, Host: host, Err: err}
}

// IsAuthError checks if an error is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// RequestError represents a failed call against a device API endpoint.
// StatusCode is zero when the request failed before a response was received
// (connection errors, timeouts).
type RequestError struct {
	Endpoint   string // API endpoint (e.g., "led/mode", "gestalt")
	Host       string // Device host
	StatusCode int    // HTTP status code, 0 for transport-level failures
	Err        error  // Underlying error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request %s (host=%s, status=%d): %v", e.Endpoint, e.Host, e.StatusCode, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("request %s (host=%s): %v", e.Endpoint, e.Host, e.Err)
	}
	return fmt.Sprintf("request %s (host=%s) failed", e.Endpoint, e.Host)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError creates a new request error.
func NewRequestError(endpoint string, host string, statusCode int, err error) *RequestError {
	return &RequestError{Endpoint: endpoint, Host: host, StatusCode: statusCode, Err: err}
}

// IsRequestError checks if an error is a RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// CommandError represents a failed device command (turn on, turn off,
// set brightness) dispatched through the registry.
type CommandError struct {
	Command  string // Command being executed (e.g., "turn on", "turn off")
	DeviceID string // Device ID the command was addressed to
	Err      error  // Underlying error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %s (device=%s): %v", e.Command, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("command %s (device=%s) failed", e.Command, e.DeviceID)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(command string, deviceID string, err error) *CommandError {
	return &CommandError{Command: command, DeviceID: deviceID, Err: err}
}

// IsCommandError checks if an error is a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// StorageError represents an error during storage operations.
type StorageError struct {
	Op       string // Operation being performed (e.g., "write", "read", "query")
	DeviceID string // Device ID involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, deviceID string, err error) *StorageError {
	return &StorageError{Op: op, DeviceID: deviceID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack", "email")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrUnauthorized indicates the device rejected the auth token (HTTP 401)
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDeviceNotFound indicates a device was not found in the registry
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDuplicateDevice indicates a device ID is already registered
	ErrDuplicateDevice = errors.New("duplicate device")

	// ErrDeviceUnreachable indicates a device could not be reached
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")

	// ErrMalformedResponse indicates a device response could not be parsed
	ErrMalformedResponse = errors.New("malformed device response")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrCacheFull indicates the local cache reached its size limit
	ErrCacheFull = errors.New("cache full")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)
