// Package batcherrors contains the errors that decide how a batch run ends.
// Per-instance and per-frame failures never surface here; they are absorbed where they happen.
// The errors below are the ones allowed to abort a run, and ExitCodeFromError maps them to a process exit status.
//
// If multiple errors occur in some function (e.g., several invalid configuration fields), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package batcherrors

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// ExitSuccess is returned when at least one frame was finished.
	ExitSuccess = 0
	// ExitNoFramesFinished is returned when the run completed without finishing any frame.
	ExitNoFramesFinished = 1
	// ExitConfigurationError is returned when the run was rejected before any instance was launched.
	ExitConfigurationError = 2
	// ExitLaunchError is returned when no usable instance could be recruited.
	ExitLaunchError = 3
	// ExitInterrupted is returned after an operator interrupt, following the shell convention for SIGINT.
	ExitInterrupted = 130
)

// ErrInterrupted is returned once best-effort cleanup has completed after an operator interrupt.
var ErrInterrupted = errors.New("batch run interrupted")

// ErrInvalidArgument is a generic error to be returned on invalid configuration.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "frameStep"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message to include with the error message, e.g., explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	} else {
		return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
	}
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "file" or "ssh public key"
	Value   string // Resource name, e.g., "~/.ssh/id_rsa.pub"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	} else {
		return s
	}
}

// ErrUnauthorized is returned when the cloud rejects the auth token.
type ErrUnauthorized struct {
	Message string
}

func (err *ErrUnauthorized) Error() string {
	if err.Message == "" {
		return "the given authToken was not accepted"
	}
	return fmt.Sprintf("the given authToken was not accepted; %s", err.Message)
}

// ErrInsufficientDevices is returned when fewer devices are available than a launch requires.
// No partial launch is attempted in that case.
type ErrInsufficientDevices struct {
	Requested int
	Available int
}

func (err *ErrInsufficientDevices) Error() string {
	return fmt.Sprintf("not enough devices available (%d requested, %d available)", err.Requested, err.Available)
}

// ErrNoInstances is returned when the initial recruitment produced zero usable instances.
type ErrNoInstances struct {
	Requested int
	Message   string
}

func (err *ErrNoInstances) Error() string {
	s := fmt.Sprintf("no good instances were recruited (%d requested)", err.Requested)
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ExitCodeFromError maps error types to process exit statuses.
// Uses errors.As to look through the chain of errors, as opposed to just considering the topmost error in the chain.
func ExitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, ErrInterrupted) {
		return ExitInterrupted
	}

	// Using {} scopes just to re-use the "e" variable name for each case.
	{
		var e *ErrInvalidArgument
		if errors.As(err, &e) {
			return ExitConfigurationError
		}
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return ExitConfigurationError
		}
	}
	{
		var e *ErrUnauthorized
		if errors.As(err, &e) {
			return ExitConfigurationError
		}
	}
	{
		var e *ErrInsufficientDevices
		if errors.As(err, &e) {
			return ExitLaunchError
		}
	}
	{
		var e *ErrNoInstances
		if errors.As(err, &e) {
			return ExitLaunchError
		}
	}
	return ExitLaunchError
}
