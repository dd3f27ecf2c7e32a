package converter

import (
	"errors"
	"fmt"

	"github.com/guseggert/rconvert/rpc"
)

// CodeUnsupportedDocument is the remote error code ErrUnsupportedDocument travels under.
const CodeUnsupportedDocument = "unsupported_document"

type codedError struct {
	code string
	msg  string
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() string  { return e.code }

// ErrUnsupportedDocument is returned by a converter that cannot handle its input.
// It stays matchable with errors.Is when raised inside a worker.
var ErrUnsupportedDocument error = &codedError{code: CodeUnsupportedDocument, msg: "document not supported"}

// fromRemote restores domain errors that crossed the bridge as coded remote errors.
func fromRemote(err error) error {
	var remoteErr *rpc.RemoteError
	if errors.As(err, &remoteErr) && remoteErr.Code == CodeUnsupportedDocument {
		return fmt.Errorf("%w: %w", ErrUnsupportedDocument, err)
	}
	return err
}
