package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/guseggert/rconvert/rpc"
)

const (
	MethodConvert = "Convert"

	metaName = "name"
)

type exported struct {
	c Converter
}

// Export wraps c so it can be served by an rpc.Server under Capability.
func Export(c Converter) rpc.Object {
	return &exported{c: c}
}

func (e *exported) Capabilities() []string { return []string{Capability} }

func (e *exported) Call(ctx context.Context, method string, meta map[string]string, args []byte) ([]byte, error) {
	switch method {
	case MethodConvert:
		var buf bytes.Buffer
		err := e.c.Convert(ctx, NewDocument(meta[metaName], args), &buf)
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("converter has no method %q", method)
	}
}

type remote struct {
	proxy *rpc.Proxy
}

// NewRemote returns a Converter that forwards to the object behind proxy.
// The result is written to w only after the remote call returned it in full.
func NewRemote(proxy *rpc.Proxy) Converter {
	return &remote{proxy: proxy}
}

func (r *remote) Convert(ctx context.Context, doc *Document, w io.Writer) error {
	res, err := r.proxy.Call(ctx, MethodConvert, map[string]string{metaName: doc.Name}, doc.Data)
	if err != nil {
		return fromRemote(err)
	}
	_, err = w.Write(res)
	return err
}
