package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	inet "github.com/guseggert/rconvert/internal/net"
)

// tlsServerName is the name workers' certificates are issued for.
// Clients dial the loopback address directly and present this name for verification.
const tlsServerName = "rconvert-worker"

// Client is one connection to a Server.
// Operations are serialized; only one call is in flight at a time.
type Client struct {
	Logger *zap.SugaredLogger

	conn     *websocket.Conn
	instance string

	mut       sync.Mutex
	closeOnce sync.Once
}

type clientConfig struct {
	log            *zap.SugaredLogger
	localPort      int
	tlsConfig      *tls.Config
	dialRetries    int
	dialTimeout    time.Duration
	expectInstance string
}

type ClientOption func(c *clientConfig)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *clientConfig) {
		c.log = l.Named("rpc_client")
	}
}

// WithLocalPort makes the client's connection originate from the given local port.
func WithLocalPort(port int) ClientOption {
	return func(c *clientConfig) {
		c.localPort = port
	}
}

func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(c *clientConfig) {
		c.tlsConfig = cfg
	}
}

// WithDialRetries sets how many times establishing the connection is retried.
// Calls themselves are never retried.
func WithDialRetries(n int) ClientOption {
	return func(c *clientConfig) {
		c.dialRetries = n
	}
}

func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dialTimeout = d
	}
}

// WithExpectInstance makes Dial fail with ErrUnexpectedInstance unless the server reports the given instance ID.
func WithExpectInstance(id string) ClientOption {
	return func(c *clientConfig) {
		c.expectInstance = id
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Dial connects to the server at host:port and performs the hello exchange.
func Dial(ctx context.Context, host string, port int, opts ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		log:         zap.NewNop().Sugar(),
		dialRetries: 3,
		dialTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	dialer := inet.Dialer(host, cfg.localPort, cfg.dialTimeout)
	dialAddrPort := net.JoinHostPort(host, strconv.Itoa(port))

	// Always dial the loopback address, regardless of the URL host.
	// This lets the URL carry the name the worker's certificate was issued for.
	dialCtx := func(ctx context.Context, network, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, "tcp", dialAddrPort)
	}

	u := fmt.Sprintf("ws://%s/rpc", dialAddrPort)
	if cfg.tlsConfig != nil {
		u = fmt.Sprintf("wss://%s:%d/rpc", tlsServerName, port)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     dialCtx,
			TLSClientConfig: cfg.tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = cfg.dialRetries
	retryClient.Logger = &logAdapter{SugaredLogger: cfg.log}

	cfg.log.Debugw("dialing WebSocket", "URL", u, "LocalPort", cfg.localPort)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient:      retryClient.StandardClient(),
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, connErr("dialing "+dialAddrPort, err)
	}
	wsConn.SetReadLimit(readLimit)

	c := &Client{
		Logger: cfg.log,
		conn:   wsConn,
	}

	err = wsjson.Write(ctx, wsConn, requestMessage{Op: opHello})
	if err != nil {
		c.Close()
		return nil, connErr("sending hello", err)
	}
	var resp responseMessage
	err = wsjson.Read(ctx, wsConn, &resp)
	if err != nil {
		c.Close()
		return nil, connErr("reading hello", err)
	}
	c.instance = resp.Instance
	if cfg.expectInstance != "" && cfg.expectInstance != resp.Instance {
		c.Close()
		return nil, fmt.Errorf("%w: expected %q at %s, got %q", ErrUnexpectedInstance, cfg.expectInstance, dialAddrPort, resp.Instance)
	}
	c.Logger = c.Logger.With("instance", c.instance)
	return c, nil
}

// Instance returns the ID the server reported.
func (c *Client) Instance() string { return c.instance }

// Lookup returns refs for the server's objects that provide capability.
// An empty result is not an error.
func (c *Client) Lookup(ctx context.Context, capability string) ([]Ref, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	err := wsjson.Write(ctx, c.conn, requestMessage{Op: opLookup, Capability: capability})
	if err != nil {
		return nil, connErr("sending lookup", err)
	}
	var resp responseMessage
	err = wsjson.Read(ctx, c.conn, &resp)
	if err != nil {
		return nil, connErr("reading lookup", err)
	}
	if resp.Err != nil {
		return nil, &RemoteError{Code: resp.Err.Code, Message: resp.Err.Message}
	}
	c.Logger.Debugw("lookup", "Capability", capability, "Found", len(resp.Refs))
	return resp.Refs, nil
}

// Proxy returns a stand-in for the remote object behind ref.
func (c *Client) Proxy(ref Ref) *Proxy {
	return &Proxy{client: c, ref: ref}
}

// Close closes the connection. Errors from a peer that already went away are only logged.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.Logger.Debugf("error closing conn: %s", err)
		}
	})
	return nil
}

func (c *Client) call(ctx context.Context, ref Ref, method string, meta map[string]string, args []byte) ([]byte, error) {
	c.mut.Lock()
	defer c.mut.Unlock()

	err := wsjson.Write(ctx, c.conn, requestMessage{
		Op:     opCall,
		Object: ref.ID,
		Method: method,
		Meta:   meta,
	})
	if err != nil {
		return nil, connErr("sending call", err)
	}
	writer := &wsJSONWriter{
		log:  c.Logger.Named("args_writer"),
		ctx:  ctx,
		conn: c.conn,
		writeMsg: func(b []byte) any {
			return requestMessage{Op: opArgs, Args: b}
		},
		closeMsg: func() any {
			return requestMessage{Op: opArgs, ArgsDone: true}
		},
	}
	_, err = writer.Write(args)
	if err != nil {
		return nil, connErr("sending args", err)
	}
	err = writer.Close()
	if err != nil {
		return nil, connErr("sending args", err)
	}

	var result bytes.Buffer
	for {
		var resp responseMessage
		err := wsjson.Read(ctx, c.conn, &resp)
		if err != nil {
			return nil, connErr("reading result", err)
		}
		if resp.Err != nil {
			return nil, &RemoteError{
				Object:  ref.ID,
				Method:  method,
				Code:    resp.Err.Code,
				Message: resp.Err.Message,
			}
		}
		result.Write(resp.Result)
		if resp.ResultDone {
			c.Logger.Debugw("call returned", "Method", method, "ResultBytes", result.Len())
			return result.Bytes(), nil
		}
	}
}

// Proxy forwards calls to a remote object over its client's connection.
type Proxy struct {
	client *Client
	ref    Ref
}

func (p *Proxy) Ref() Ref { return p.ref }

// Call invokes method on the remote object and blocks until it returns or the connection fails.
// A failure raised by the remote object is returned as *RemoteError; a broken channel as ErrConnection.
func (p *Proxy) Call(ctx context.Context, method string, meta map[string]string, args []byte) ([]byte, error) {
	return p.client.call(ctx, p.ref, method, meta, args)
}
