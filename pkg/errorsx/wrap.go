// Package errorsx classifies failures across the call path so logs
// and campaign records can say which stage broke: recognizer connect,
// synthesizer stream, completion, transport, ledger. A reason code is
// attached once, close to where the failure happened, and survives
// further %w wrapping up the stack.
package errorsx

import "errors"

// ReasonedError pairs an underlying error with its ReasonCode.
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

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with reason. Nil errors pass through, and an error
// that already carries a reason keeps its original one: the code
// nearest the failure wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason reports the code carried anywhere in err's chain, or
// ReasonUnknown.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err's chain carries reason.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
