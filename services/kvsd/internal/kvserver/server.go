package kvserver

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greymass/kvs/libraries/kvproto"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/libraries/server"
	"github.com/greymass/kvs/services/kvsd/internal/dispatch"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
	"golang.org/x/time/rate"
)

type Config struct {
	MaxConnections int
	Workers        int
	IdleTimeout    time.Duration

	// Per-connection request rate; zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxPipelined bounds the requests a connection may have in flight.
	MaxPipelined int
}

func (c *Config) fillDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1024
	}
	if c.Burst <= 0 {
		c.Burst = 100
	}
	if c.MaxPipelined <= 0 {
		c.MaxPipelined = 128
	}
}

type Connection struct {
	ID        uint64
	Protocol  string
	Remote    string
	StartTime time.Time
	Requests  atomic.Uint64

	closer func()
}

// Server accepts kvproto connections and WebSocket clients. Both share the
// dispatcher, the worker pool and the connection limit.
type Server struct {
	dispatcher *dispatch.Dispatcher
	cfg        Config
	pool       *Pool

	connections map[uint64]*Connection
	connMu      sync.RWMutex
	nextID      atomic.Uint64

	listeners []net.Listener
	listenMu  sync.Mutex

	closeChan chan struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup
}

func New(d *dispatch.Dispatcher, cfg Config) *Server {
	cfg.fillDefaults()
	return &Server{
		dispatcher:  d,
		cfg:         cfg,
		pool:        NewPool(cfg.Workers),
		connections: make(map[uint64]*Connection),
		closeChan:   make(chan struct{}),
	}
}

// Listen starts accepting on a TCP address or a unix socket path ending
// in ".sock". It returns the bound listener address.
func (s *Server) Listen(address string) (net.Addr, error) {
	if s.closed.Load() {
		return nil, errors.New("server closed")
	}
	listener, err := server.Listen(address)
	if err != nil {
		return nil, err
	}

	s.listenMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.listenMu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	logger.Printf("server", "Listening for clients on %s", listener.Addr())
	return listener.Addr(), nil
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warning("Accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c, ok := s.register("tcp", conn.RemoteAddr().String(), func() { conn.Close() })
		if !ok {
			resp := kvproto.ErrorResponse(0, kvproto.ErrorCodeMaxClientsReach, "max connections reached")
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			kvproto.WriteMessage(conn, resp.Type, kvproto.EncodeResponse(resp))
			conn.Close()
			continue
		}

		go s.handleConnection(c, conn)
	}
}

// register admits a connection unless the server is full or closing. An
// admitted connection holds a wait group slot until the caller calls
// s.wg.Done.
func (s *Server) register(protocol, remote string, closer func()) (*Connection, bool) {
	s.connMu.Lock()
	if s.closed.Load() {
		s.connMu.Unlock()
		return nil, false
	}
	if len(s.connections) >= s.cfg.MaxConnections {
		s.connMu.Unlock()
		logger.Warning("Max connections reached (%d), rejecting %s client %s", s.cfg.MaxConnections, protocol, remote)
		metrics.ConnectionsRejected.Inc()
		return nil, false
	}
	c := &Connection{
		ID:        s.nextID.Add(1),
		Protocol:  protocol,
		Remote:    remote,
		StartTime: time.Now(),
		closer:    closer,
	}
	s.connections[c.ID] = c
	s.wg.Add(1)
	count := len(s.connections)
	s.connMu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(protocol).Inc()
	metrics.ConnectionsTotal.WithLabelValues(protocol).Inc()
	logger.Printf("debug-server", "Client %d connected over %s from %s (%d/%d connections)",
		c.ID, protocol, remote, count, s.cfg.MaxConnections)
	return c, true
}

func (s *Server) removeConnection(c *Connection, reason string) {
	s.connMu.Lock()
	_, exists := s.connections[c.ID]
	delete(s.connections, c.ID)
	count := len(s.connections)
	s.connMu.Unlock()

	if !exists {
		return
	}
	c.closer()

	duration := time.Since(c.StartTime)
	metrics.ConnectionsActive.WithLabelValues(c.Protocol).Dec()
	metrics.ConnectionDuration.WithLabelValues(c.Protocol).Observe(duration.Seconds())
	logger.Printf("debug-server", "Client %d disconnected: %s (duration: %v, requests: %d, %d/%d connections)",
		c.ID, reason, duration.Round(time.Millisecond), c.Requests.Load(), count, s.cfg.MaxConnections)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.RequestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
}

// throttle waits for the connection's next request slot.
func throttle(ctx context.Context, limiter *rate.Limiter, protocol string) error {
	if limiter == nil {
		return nil
	}
	r := limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	metrics.RateLimited.WithLabelValues(protocol).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

type frame struct {
	msgType uint8
	payload []byte
}

// handleConnection reads pipelined requests and hands each to the pool.
// Responses are queued in request order and written by a separate
// goroutine, so a slow request delays later responses but never reorders
// them. Requests already submitted run to completion even if the client
// goes away.
func (s *Server) handleConnection(c *Connection, conn net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(chan chan frame, s.cfg.MaxPipelined)
	writerDone := make(chan struct{})
	go s.writeLoop(c, conn, pending, writerDone)

	limiter := s.newLimiter()
	reason := "client disconnected"

loop:
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msgType, payload, err := kvproto.ReadMessage(conn)
		// Oversized and empty frames are consumed whole, so the stream
		// is still framed and the client gets an error in order.
		if errors.Is(err, kvproto.ErrMessageTooLarge) || errors.Is(err, kvproto.ErrShortPayload) {
			c.Requests.Add(1)
			done := make(chan frame, 1)
			resp := kvproto.ErrorResponse(kvproto.RequestID(payload), kvproto.ErrorCodeInvalidRequest, err.Error())
			done <- frame{resp.Type, kvproto.EncodeResponse(resp)}
			select {
			case pending <- done:
				continue
			case <-s.closeChan:
				reason = "server shutdown"
				break loop
			}
		}
		if err != nil {
			reason = disconnectReason(err)
			if s.closed.Load() {
				reason = "server shutdown"
			}
			break
		}
		c.Requests.Add(1)

		if err := throttle(ctx, limiter, c.Protocol); err != nil {
			break
		}

		done := make(chan frame, 1)
		select {
		case pending <- done:
		case <-s.closeChan:
			reason = "server shutdown"
			break loop
		}

		s.pool.Submit(func() {
			respType, respPayload := s.dispatcher.Dispatch(ctx, msgType, payload)
			done <- frame{respType, respPayload}
		})
	}

	close(pending)
	<-writerDone
	s.removeConnection(c, reason)
}

func (s *Server) writeLoop(c *Connection, conn net.Conn, pending <-chan chan frame, done chan<- struct{}) {
	defer close(done)
	broken := false
	for result := range pending {
		f := <-result
		if broken {
			continue
		}
		if err := kvproto.WriteMessage(conn, f.msgType, f.payload); err != nil {
			logger.Printf("debug-server", "Client %d write error: %v", c.ID, err)
			broken = true
			conn.Close()
		}
	}
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "client disconnected"
	case errors.Is(err, net.ErrClosed), strings.Contains(err.Error(), "use of closed"):
		return "connection closed"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "idle timeout"
	}
	return err.Error()
}

func (s *Server) ConnectionCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.connections)
}

// Close stops accepting, closes every client connection and waits for
// in-flight requests to finish.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return errors.New("server already closed")
	}
	close(s.closeChan)

	s.listenMu.Lock()
	for _, l := range s.listeners {
		l.Close()
	}
	s.listenMu.Unlock()

	s.connMu.RLock()
	for _, c := range s.connections {
		c.closer()
	}
	s.connMu.RUnlock()

	s.wg.Wait()
	s.pool.Close()
	return nil
}
