package rpc

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds a single message. Payloads larger than this are chunked.
const readLimit = 1 << 20

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with each chunk passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// the write limit is over-conservative, base64 inflates bytes by 4/3 and the JSON envelope adds a little
	writeLimit := readLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(leftToWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
			leftToWrite = leftToWrite[writeLimit:]
			more = true
		}

		msg := w.writeMsg(toWrite)
		err := wsjson.Write(w.ctx, w.conn, &msg)
		if err != nil {
			return 0, err
		}
		if !more {
			w.log.Debugf("done writing %d bytes", len(b))
			return len(b), nil
		}
	}
}

func (w *wsJSONWriter) Close() error {
	if w.closeMsg == nil {
		return nil
	}
	msg := w.closeMsg()
	return wsjson.Write(w.ctx, w.conn, &msg)
}
