// Package transport implements the connection-per-call, newline-delimited
// JSON request/response channel that the coordinator and workers speak
// over loopback TCP. It provides two primitives: a Server, on which
// method handlers are registered with Register and calls are accepted by
// Serve, and Call, which issues one request and waits for its reply. Nothing here keeps a connection open
// across calls: a crashed peer can never wedge a handler.
package transport

import (
	"bufio"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// request and response are the wire frames of the two directions: each is
// one JSON object terminated by a newline byte.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Handler decodes its own params from raw and returns an encodable result.
type Handler func(params json.RawMessage) (interface{}, error)

// Server accepts connections and dispatches framed calls to registered
// Handlers. Each connection is handled by a single request/response pair,
// then closed.
type Server struct {
	log      *logrus.Entry
	listener net.Listener
	handlers map[string]Handler
}

// NewServer binds addr (use ":0" for an ephemeral port) and returns a
// Server that has not yet started accepting connections.
func NewServer(addr string, log *logrus.Entry) (*Server, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(nil, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "transport: listen")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{log: log, listener: ln, handlers: make(map[string]Handler)}, nil
}

// Addr returns the bound local address (host:port).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Register binds a method name to a Handler. Not safe to call concurrently
// with Serve.
func (s *Server) Register(method string, h Handler) {
	s.handlers[method] = h
}

// Serve runs the accept loop, dispatching each connection to its own
// goroutine, until the listener is closed by Close. It always returns a
// non-nil error (nil listener errors from Close are translated to
// net.ErrClosed by the standard library).
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the accept loop; in-flight handlers finish naturally.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("transport: handler panic recovered")
		}
	}()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		s.log.WithError(err).Debug("transport: read request")
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, response{Success: false, Error: "malformed request: " + err.Error()})
		return
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		s.writeResponse(conn, response{Success: false, Error: "unknown method: " + req.Method})
		return
	}

	result, err := s.invoke(handler, req.Params)
	if err != nil {
		s.writeResponse(conn, response{Success: false, Error: err.Error()})
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		s.writeResponse(conn, response{Success: false, Error: "encode result: " + err.Error()})
		return
	}
	s.writeResponse(conn, response{Success: true, Result: encoded})
}

// invoke calls the handler, turning a panic into an error so a single bad
// request can never bring down the server.
func (s *Server) invoke(h Handler, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h(params)
}

func (s *Server) writeResponse(conn net.Conn, resp response) {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	encoded = append(encoded, '\n')
	_, _ = conn.Write(encoded)
}

// Client issues connection-per-call requests against a fixed address.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a Client bound to addr with a total per-call timeout.
func NewClient(addr string, timeout time.Duration) *Client {
	return &Client{addr: addr, timeout: timeout}
}

// Call opens a fresh connection, sends method(params), decodes the result
// into out, and closes the connection. A non-nil error means the call
// should be treated as failed by the caller; no retry happens here.
func (c *Client) Call(method string, params, out interface{}) error {
	deadline := time.Now().Add(c.timeout)
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return errors.Wrap(err, "transport: dial")
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "transport: set deadline")
	}

	encodedParams, err := json.Marshal(params)
	if err != nil {
		return errors.Wrap(err, "transport: encode params")
	}
	req := request{Method: method, Params: encodedParams}
	encodedReq, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "transport: encode request")
	}
	encodedReq = append(encodedReq, '\n')
	if _, err := conn.Write(encodedReq); err != nil {
		return errors.Wrap(err, "transport: write request")
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return errors.Wrap(err, "transport: read response")
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return errors.Wrap(err, "transport: decode response")
	}
	if !resp.Success {
		return errors.Errorf("transport: rpc error: %s", resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.Wrap(err, "transport: decode result")
	}
	return nil
}
