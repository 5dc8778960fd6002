package models

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrSyncInProgress        = errors.New("sync already in progress")
	ErrStrategyNotRegistered = errors.New("no sync strategy registered for entity")
	ErrNotFound              = errors.New("record not found")
	ErrMissingID             = errors.New("entity payload has no id")
	ErrConflictNotFound      = errors.New("conflict not found")
	ErrOffline               = errors.New("network offline")
	ErrNotAuthenticated      = errors.New("not authenticated")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// APIError represents an error response from the remote API.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Retryable reports whether the status code indicates a transient
// condition worth another attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// SyncError provides detailed sync failure information.
type SyncError struct {
	Phase  string // push, pull, merge
	Entity string
	Err    error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s: entity %s: %v", e.Phase, e.Entity, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failure in the durable store's write path.
type StorageError struct {
	Op     string
	Entity string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("store %s: entity %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
