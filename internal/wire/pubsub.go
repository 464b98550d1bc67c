package wire

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// highWaterMark bounds the per-subscriber outbound queue. Frames beyond it
// are dropped rather than blocking the publisher.
const highWaterMark = 1000

// Publisher is the binding side of a topic endpoint. Publish is safe for
// concurrent use; sends never block the caller.
type Publisher struct {
	listener net.Listener
	server   *http.Server
	log      *zap.Logger

	mu     sync.Mutex
	subs   map[*pubConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

type pubConn struct {
	conn   *websocket.Conn
	topics map[string]bool // empty means wildcard
	out    chan []byte
	done   chan struct{}
}

// ListenPub binds addr as a topic publication endpoint.
func ListenPub(addr string, log *zap.Logger) (*Publisher, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: bind %s: %w", addr, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Publisher{
		listener: listener,
		log:      log,
		subs:     make(map[*pubConn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", p.serveConn)
	p.server = &http.Server{Handler: mux}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.log.Warn("publisher stopped", zap.Error(err))
		}
	}()
	return p, nil
}

// Addr returns the bound address.
func (p *Publisher) Addr() string {
	return p.listener.Addr().String()
}

func (p *Publisher) serveConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	// The first message declares the subscription filter.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return
	}
	var sub subscribeFrame
	if err := json.Unmarshal(raw, &sub); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	pc := &pubConn{
		conn:   conn,
		topics: make(map[string]bool, len(sub.Topics)),
		out:    make(chan []byte, highWaterMark),
		done:   make(chan struct{}),
	}
	for _, t := range sub.Topics {
		pc.topics[t] = true
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.subs[pc] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		pc.writeLoop()
	}()

	// Drain the connection to observe subscriber disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	p.removeSub(pc)
}

func (pc *pubConn) writeLoop() {
	for {
		select {
		case msg := <-pc.out:
			if err := pc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-pc.done:
			return
		}
	}
}

func (pc *pubConn) wants(topic string) bool {
	return len(pc.topics) == 0 || pc.topics[topic]
}

func (p *Publisher) removeSub(pc *pubConn) {
	p.mu.Lock()
	if _, ok := p.subs[pc]; ok {
		delete(p.subs, pc)
		close(pc.done)
	}
	p.mu.Unlock()
	_ = pc.conn.Close()
}

// Publish fans a payload out to every subscriber whose filter matches topic.
// Slow subscribers past the high-water mark lose the frame.
func (p *Publisher) Publish(topic string, payload []byte) error {
	msg, err := json.Marshal(frame{Topic: topic, Data: payload})
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for pc := range p.subs {
		if !pc.wants(topic) {
			continue
		}
		select {
		case pc.out <- msg:
		default:
			p.log.Warn("subscriber queue full, dropping frame", zap.String("topic", topic))
		}
	}
	return nil
}

// SubscriberCount reports the number of connected subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close drops all subscribers and stops the endpoint.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for pc := range p.subs {
		close(pc.done)
		_ = pc.conn.Close()
	}
	p.subs = map[*pubConn]struct{}{}
	p.mu.Unlock()

	err := p.server.Close()
	p.wg.Wait()
	return err
}

// Message is one received topic frame.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscriber is the connecting side of a topic endpoint. It reconnects with
// exponential backoff when the publisher goes away, so a restarted peer is
// picked up without intervention.
type Subscriber struct {
	addr   string
	topics []string
	log    *zap.Logger

	msgs   chan Message
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// DialSub connects to the publisher at addr. An empty topic list subscribes
// to all topics.
func DialSub(addr string, topics []string, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Subscriber{
		addr:   addr,
		topics: topics,
		log:    log,
		msgs:   make(chan Message, highWaterMark),
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop()
	}()
	return s
}

func (s *Subscriber) readLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		conn, err := s.connect()
		if err != nil {
			wait := policy.NextBackOff()
			s.log.Debug("subscriber connect failed", zap.Error(err), zap.Duration("retry_in", wait))
			select {
			case <-time.After(wait):
				continue
			case <-s.closed:
				return
			}
		}
		policy.Reset()

		s.consume(conn)
		_ = conn.Close()
	}
}

func (s *Subscriber) connect() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.addr+"/", nil)
	if err != nil {
		return nil, err
	}
	sub, err := json.Marshal(subscribeFrame{Topics: s.topics})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Subscriber) consume(conn *websocket.Conn) {
	// Unblock the blocking read when Close is called.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.closed:
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.log.Warn("malformed frame dropped", zap.Error(err))
			continue
		}
		select {
		case s.msgs <- Message{Topic: f.Topic, Payload: f.Data}:
		case <-s.closed:
			return
		}
	}
}

// Recv waits up to timeout for the next message. It returns ErrTimeout when
// the poll period elapses and ErrClosed after Close.
func (s *Subscriber) Recv(timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-s.closed:
		// Drain anything already buffered before reporting closed.
		select {
		case msg := <-s.msgs:
			return msg, nil
		default:
			return Message{}, ErrClosed
		}
	}
}

// Close stops the subscriber and its reconnect loop.
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return nil
}
