package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Object is something a Server can export.
// Call must be safe to invoke from the server's connection goroutines.
type Object interface {
	Capabilities() []string
	Call(ctx context.Context, method string, meta map[string]string, args []byte) ([]byte, error)
}

// Server exports a single Object on a TCP listener.
type Server struct {
	Log *zap.SugaredLogger

	instance  string
	ref       Ref
	object    Object
	tlsConfig *tls.Config

	listener   net.Listener
	httpServer *http.Server

	ctx    context.Context
	cancel func()

	connsMut sync.Mutex
	conns    map[*websocket.Conn]struct{}

	closeOnce sync.Once
	closeErr  error
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.Log = l.Named("rpc_server")
	}
}

// WithInstance sets the ID the server reports to clients in its hello response.
func WithInstance(id string) ServerOption {
	return func(s *Server) {
		s.instance = id
	}
}

// WithServerTLS requires clients to connect with TLS using the given config.
func WithServerTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// Listen binds addr and prepares to serve object, but does not accept connections until Serve is called.
func Listen(object Object, addr string, opts ...ServerOption) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Log:      zap.NewNop().Sugar(),
		instance: uuid.NewString(),
		object:   object,
		ref: Ref{
			ID:           uuid.NewString(),
			Capabilities: object.Capabilities(),
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  map[*websocket.Conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w %s: %s", ErrBind, addr, err)
	}
	s.listener = tcpListener
	if s.tlsConfig != nil {
		s.listener = tls.NewListener(tcpListener, s.tlsConfig)
	}

	router := httprouter.New()
	router.GET("/rpc", s.serveConn)
	router.GET("/heartbeat", s.heartbeat)
	s.httpServer = &http.Server{Handler: router}

	s.Log.Debugw("listening", "Addr", tcpListener.Addr().String(), "Instance", s.instance, "Ref", s.ref.ID)
	return s, nil
}

// Export binds addr and serves object in the background.
func Export(object Object, addr string, opts ...ServerOption) (*Server, error) {
	s, err := Listen(object, addr, opts...)
	if err != nil {
		return nil, err
	}
	go func() {
		err := s.Serve()
		if err != nil {
			s.Log.Debugf("serve error: %s", err)
		}
	}()
	return s, nil
}

// Serve accepts connections until the server is closed.
func (s *Server) Serve() error {
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) Instance() string { return s.instance }

func (s *Server) Ref() Ref { return s.ref }

// Close stops accepting connections and closes open ones, failing any in-flight call.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.httpServer.Close()
		// the listener is only owned by the HTTP server once Serve has been called
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = multierr.Append(s.closeErr, err)
		}

		s.connsMut.Lock()
		conns := s.conns
		s.conns = map[*websocket.Conn]struct{}{}
		s.connsMut.Unlock()

		var wg sync.WaitGroup
		for conn := range conns {
			conn := conn
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := conn.Close(websocket.StatusGoingAway, "server closing")
				if err != nil {
					s.Log.Debugf("error closing conn: %s", err)
				}
			}()
		}
		wg.Wait()
	})
	return s.closeErr
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := struct {
		Instance     string
		Capabilities []string
	}{
		Instance:     s.instance,
		Capabilities: s.ref.Capabilities,
	}
	b, err := json.Marshal(response)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.connsMut.Lock()
	defer s.connsMut.Unlock()
	delete(s.conns, conn)
}

func (s *Server) serveConn(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	if !s.track(wsConn) {
		wsConn.Close(websocket.StatusGoingAway, "server closing")
		return
	}
	defer s.untrack(wsConn)
	s.Log.Debug("accepted WebSocket conn")

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	h := &connHandler{
		log:    s.Log.Named("conn"),
		server: s,
		conn:   wsConn,
		ctx:    ctx,
	}
	h.run()
}

// connHandler serves the requests of one client connection, one at a time.
type connHandler struct {
	log    *zap.SugaredLogger
	server *Server
	conn   *websocket.Conn
	ctx    context.Context

	pending *requestMessage
	args    bytes.Buffer
}

func (h *connHandler) run() {
	for {
		var msg requestMessage
		err := wsjson.Read(h.ctx, h.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			h.log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			h.log.Debugf("message reader got error: %s", err)
			return
		}

		err = h.handle(&msg)
		if err != nil {
			h.log.Debugf("error handling %q message: %s", msg.Op, err)
			h.conn.Close(websocket.StatusInternalError, truncate(err.Error()))
			return
		}
	}
}

func (h *connHandler) respond(resp responseMessage) error {
	return wsjson.Write(h.ctx, h.conn, resp)
}

func (h *connHandler) handle(msg *requestMessage) error {
	switch msg.Op {
	case opHello:
		return h.respond(responseMessage{Instance: h.server.instance})
	case opLookup:
		var refs []Ref
		if h.server.ref.Provides(msg.Capability) {
			refs = append(refs, h.server.ref)
		}
		h.log.Debugw("lookup", "Capability", msg.Capability, "Found", len(refs))
		return h.respond(responseMessage{Refs: refs})
	case opCall:
		h.pending = msg
		h.args.Reset()
		return nil
	case opArgs:
		if h.pending == nil {
			return h.respond(responseMessage{Err: &errorPayload{Code: CodeBadRequest, Message: "args without call"}})
		}
		h.args.Write(msg.Args)
		if !msg.ArgsDone {
			return nil
		}
		call := h.pending
		h.pending = nil
		return h.invoke(call, h.args.Bytes())
	default:
		return h.respond(responseMessage{Err: &errorPayload{Code: CodeBadRequest, Message: fmt.Sprintf("unknown op %q", msg.Op)}})
	}
}

func (h *connHandler) invoke(call *requestMessage, args []byte) error {
	if call.Object != h.server.ref.ID {
		return h.respond(responseMessage{Err: &errorPayload{
			Code:    CodeNoSuchObject,
			Message: fmt.Sprintf("no exported object %q", call.Object),
		}})
	}

	h.log.Debugw("invoking", "Method", call.Method, "ArgBytes", len(args))
	result, err := h.server.object.Call(h.ctx, call.Method, call.Meta, args)
	if err != nil {
		h.log.Debugw("call failed", "Method", call.Method, "Error", err)
		return h.respond(responseMessage{Err: toPayload(err)})
	}

	writer := &wsJSONWriter{
		log:  h.log.Named("result_writer"),
		ctx:  h.ctx,
		conn: h.conn,
		writeMsg: func(b []byte) any {
			return responseMessage{Result: b}
		},
		closeMsg: func() any {
			return responseMessage{ResultDone: true}
		},
	}
	_, err = writer.Write(result)
	if err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return writer.Close()
}

// websocket close reasons can't be above 123 bytes
func truncate(reason string) string {
	if len(reason) > 100 {
		return reason[0:100]
	}
	return reason
}
