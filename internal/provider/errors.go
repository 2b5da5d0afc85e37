package provider

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by a provider matches one of them with errors.Is.
var (
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrResourceLimitExceeded = errors.New("provider resource limit exceeded")
	ErrBackend               = errors.New("backend error")
	ErrContainerNotFound     = errors.New("container not found")
)

// ErrUnknownProvider is returned by the registry for unregistered names.
var ErrUnknownProvider = errors.New("unknown provider")

// Error carries the provider, operation and container behind a failure.
type Error struct {
	Provider    string
	Op          string
	ContainerID string
	Kind        error
	Err         error
}

// NewError builds a classified provider error.
func NewError(provider, op, containerID string, kind, err error) *Error {
	return &Error{Provider: provider, Op: op, ContainerID: containerID, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	target := e.Provider + " " + e.Op
	if e.ContainerID != "" {
		target += " " + e.ContainerID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", target, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", target, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
