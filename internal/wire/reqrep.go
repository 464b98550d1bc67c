package wire

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler processes one request payload and returns the reply payload.
type Handler func(payload []byte) []byte

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ReqServer is the reply side of a strict request/reply endpoint. Each
// connected client gets its own recv-handle-reply loop, so the one-reply-
// per-request discipline holds per connection.
type ReqServer struct {
	listener net.Listener
	server   *http.Server
	handler  Handler
	log      *zap.Logger

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenReq binds addr and serves requests through handler until Close.
func ListenReq(addr string, handler Handler, log *zap.Logger) (*ReqServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: bind %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &ReqServer{
		listener: listener,
		handler:  handler,
		log:      log,
		conns:    make(map[*websocket.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveConn)
	s.server = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Warn("req server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *ReqServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *ReqServer) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("connection dropped", zap.Error(err))
			}
			return
		}
		reply := s.handler(payload)
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			s.log.Debug("reply write failed", zap.Error(err))
			return
		}
	}
}

// Close stops accepting connections and drops the active ones.
func (s *ReqServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	err := s.server.Close()
	s.wg.Wait()
	return err
}

// ReqClient is the request side of a strict request/reply endpoint. A client
// carries at most one request in flight; concurrent callers serialize on an
// internal mutex. The connection is dialed lazily and redialed after errors.
type ReqClient struct {
	addr string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// DialReq creates a client for the request/reply endpoint at addr. The
// connection is established on the first Do.
func DialReq(addr string) *ReqClient {
	return &ReqClient{addr: addr}
}

// Do sends one request and waits up to timeout for the reply.
func (c *ReqClient) Do(payload []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+c.addr+"/", nil)
		if err != nil {
			return nil, fmt.Errorf("wire: dial %s: %w", c.addr, err)
		}
		c.conn = conn
	}

	deadline := time.Now().Add(timeout)
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropConnLocked()
		return nil, fmt.Errorf("wire: send to %s: %w", c.addr, err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	_, reply, err := c.conn.ReadMessage()
	if err != nil {
		c.dropConnLocked()
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("wire: recv from %s: %w", c.addr, err)
	}
	return reply, nil
}

func (c *ReqClient) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close releases the underlying connection.
func (c *ReqClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.dropConnLocked()
	return nil
}
