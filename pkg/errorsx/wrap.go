package errorsx

import (
	"errors"
	"fmt"
)

// ReasonedError tags an error with the reason code reported in logs,
// metrics and close messages.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ReasonConfig) match on the reason alone.
func (e ReasonedError) Is(target error) bool {
	code, ok := target.(ReasonCode)
	return ok && code == e.Reason
}

// Error makes a ReasonCode usable as an errors.Is target.
func (r ReasonCode) Error() string { return string(r) }

func New(reason ReasonCode, format string, args ...any) error {
	return ReasonedError{Err: fmt.Errorf(format, args...), Reason: reason}
}

// Wrap tags err with reason. The innermost reason wins: an error that
// already carries one is returned as is.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason returns the first reason found in err's chain, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
