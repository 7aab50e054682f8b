// Package models defines the core data structures for Routine Butler.
//
// It includes routines, their elements and rewards, stored program definitions,
// program run records and the persisted run cursor, which are shared across modules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxTitleLength defines the maximum allowed length for routine and program titles
	MaxTitleLength = 200
	// MaxRoutineItems defines the maximum number of elements or rewards in one routine
	MaxRoutineItems = 500
)

// Error variables for better error handling and testability
var (
	ErrEmptyTitle             = errors.New("title cannot be empty")
	ErrTitleTooLong           = errors.New("title exceeds maximum length")
	ErrInvalidTitle           = errors.New("title cannot contain '/'")
	ErrEmptyPluginType        = errors.New("plugin type is required")
	ErrInvalidPriority        = errors.New("invalid priority")
	ErrEmptyProgramReference  = errors.New("program title is required for every element and reward")
	ErrTooManyItems           = errors.New("too many elements or rewards")
	ErrInvalidTargetDuration  = errors.New("target duration must be positive when enabled")
	ErrEmptyAlarmSpec         = errors.New("alarm spec cannot be empty")
	ErrInvalidOutcome         = errors.New("invalid run outcome")
	ErrMissingProgramRunField = errors.New("program run is missing a required field")
)

// Priority is the pruning tier of an Element.
type Priority string

const (
	// PriorityLow elements are pruned first.
	PriorityLow Priority = "LOW"
	// PriorityMedium elements are pruned once no LOW element remains.
	PriorityMedium Priority = "MEDIUM"
	// PriorityHigh elements are pruned last.
	PriorityHigh Priority = "HIGH"
)

// Priorities lists every tier in pruning order.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh}

// IsValidPriority checks if the given priority is one of the three tiers.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Rank returns the ordinal of the tier (LOW=0, MEDIUM=1, HIGH=2), or -1 when invalid.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	default:
		return -1
	}
}

// ParsePriority normalizes a user supplied priority string.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !IsValidPriority(p) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return p, nil
}

// ValidateTitle checks a routine or program title.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return ErrEmptyTitle
	}
	if len(title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	// titles are used as path segments in the HTTP API
	if strings.Contains(title, "/") {
		return ErrInvalidTitle
	}
	return nil
}

// Program is a stored, user-owned program definition: a title, the plugin type
// tag it is constructed by, and that plugin's configuration.
type Program struct {
	UserID     string         `json:"user_id"`
	Title      string         `json:"title"`
	PluginType string         `json:"plugin_type"`
	Config     map[string]any `json:"config,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Validate performs structural validation on a Program. Plugin specific
// configuration is validated by the program registry.
func (p *Program) Validate() error {
	if err := ValidateTitle(p.Title); err != nil {
		return err
	}
	if strings.TrimSpace(p.PluginType) == "" {
		return ErrEmptyPluginType
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates a program run was recorded.
	APIStatusRecorded APIStatus = "recorded"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// RecordedWithMessage creates a recorded API response with a message.
func RecordedWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		WithMessage(message).
		WithResult(result).
		Build()
}
