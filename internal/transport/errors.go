package transport

import (
	"fmt"
)

// ErrorKind classifies why a connect attempt failed. Retries happen at the
// session layer keyed on these kinds, never on message text.
type ErrorKind string

const (
	KindPoweredOff             ErrorKind = "powered-off"
	KindScanTimeout            ErrorKind = "scan-timeout"
	KindMultipleDevices        ErrorKind = "multiple-devices"
	KindCharacteristicsMissing ErrorKind = "characteristics-missing"
	KindSubscribeFailed        ErrorKind = "subscribe-failed"
	KindConnectFailed          ErrorKind = "connect-failed"
)

// ConnectError is the typed failure of a single connect attempt. All kinds
// are terminal for the attempt.
type ConnectError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is allows errors.Is to compare ConnectError values by Kind
func (e *ConnectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for errors.Is comparisons
var (
	ErrPoweredOff             = &ConnectError{Kind: KindPoweredOff}
	ErrScanTimeout            = &ConnectError{Kind: KindScanTimeout}
	ErrMultipleDevices        = &ConnectError{Kind: KindMultipleDevices}
	ErrCharacteristicsMissing = &ConnectError{Kind: KindCharacteristicsMissing}
	ErrSubscribeFailed        = &ConnectError{Kind: KindSubscribeFailed}
	ErrConnectFailed          = &ConnectError{Kind: KindConnectFailed}
)

func connectErr(kind ErrorKind, format string, args ...interface{}) *ConnectError {
	return &ConnectError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// InvalidStateError reports an operation attempted in the wrong transport
// state (e.g. Connect while not CONNECTING, Write while not CONNECTED).
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s is not valid in transport state %s", e.Op, e.State)
}
