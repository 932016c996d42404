// Package errs carries the core's error taxonomy: ChannelFailure,
// Configuration, Messaging, and DeferMessage. Each is a distinct type so
// callers can errors.As them rather than string-matching.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ChannelFailureError means the channel cannot be used: a gateway error
// survived its internal retries, or the channel has already been stopped.
type ChannelFailureError struct {
	msg   string
	cause error
}

func NewChannelFailure(msg string) *ChannelFailureError {
	return &ChannelFailureError{msg: msg}
}

// WrapChannelFailure annotates cause with msg while preserving it for
// errors.Unwrap (and so errors.Is / errors.As). ChannelFailureError has no
// Cause method, so pkg/errors' errors.Cause returns it unchanged.
func WrapChannelFailure(cause error, msg string) *ChannelFailureError {
	return &ChannelFailureError{msg: msg, cause: errors.Wrap(cause, msg)}
}

func (e *ChannelFailureError) Error() string {
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

func (e *ChannelFailureError) Unwrap() error { return e.cause }

// ConfigurationError is fatal: a missing mapper, or an unknown consumer
// name passed to Dispatcher.Open.
type ConfigurationError struct {
	msg string
}

func NewConfiguration(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string { return e.msg }

// MessagingError signals an illegal Dispatcher state transition.
type MessagingError struct {
	msg string
}

func NewMessaging(format string, args ...interface{}) *MessagingError {
	return &MessagingError{msg: fmt.Sprintf(format, args...)}
}

func (e *MessagingError) Error() string { return e.msg }

// DeferMessageError is raised by a RequestDispatcher to ask the pump to
// requeue the message currently being handled rather than acknowledge it.
type DeferMessageError struct {
	Reason string
}

func NewDeferMessage(reason string) *DeferMessageError {
	return &DeferMessageError{Reason: reason}
}

func (e *DeferMessageError) Error() string {
	if e.Reason == "" {
		return "defer message: requeue requested"
	}
	return "defer message: " + e.Reason
}
