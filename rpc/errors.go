package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the channel to the server broke or could not be established.
	ErrConnection = errors.New("rpc connection failed")
	// ErrBind is returned when a server cannot bind its port.
	ErrBind = errors.New("binding rpc listener")
	// ErrUnexpectedInstance is returned when the server at an address is not the one the client expected.
	ErrUnexpectedInstance = errors.New("unexpected rpc instance")
)

const (
	CodeRemote       = "remote"
	CodeNoSuchObject = "no_such_object"
	CodeBadRequest   = "bad_request"
)

// Coder is implemented by errors that carry a machine-readable code across the wire.
type Coder interface {
	error
	Code() string
}

// RemoteError is a failure raised by the remote object.
type RemoteError struct {
	Object  string
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s failed (%s): %s", e.Object, e.Method, e.Code, e.Message)
}

func toPayload(err error) *errorPayload {
	code := CodeRemote
	var coder Coder
	if errors.As(err, &coder) {
		code = coder.Code()
	}
	return &errorPayload{Code: code, Message: err.Error()}
}

type connError struct {
	op  string
	err error
}

func (e *connError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrConnection, e.op, e.err)
}

func (e *connError) Unwrap() []error { return []error{ErrConnection, e.err} }

func connErr(op string, err error) error {
	return &connError{op: op, err: err}
}
