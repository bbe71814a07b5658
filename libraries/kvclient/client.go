package kvclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greymass/kvs/libraries/kvproto"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/libraries/server"
	"github.com/sony/gobreaker"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("client already closed")
	ErrKeyNotFound   = errors.New("key not found")
)

type Config struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// Breaker trips after BreakerMinRequests with a failure ratio of at
	// least BreakerFailureRatio, and stays open for BreakerTimeout.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:         5 * time.Second,
		RequestTimeout:      30 * time.Second,
		BreakerMinRequests:  3,
		BreakerFailureRatio: 0.6,
		BreakerTimeout:      10 * time.Second,
	}
}

// Client is a pipelined kvproto client. Requests from many goroutines share
// one connection and are matched to responses by id. A dropped connection is
// redialed on the next request.
type Client struct {
	config  Config
	address string

	connMu    sync.Mutex
	conn      net.Conn
	connDone  chan struct{}
	writeMu   sync.Mutex
	connected atomic.Bool

	closeChan chan struct{}
	closed    atomic.Bool
	wg        sync.WaitGroup

	requestID atomic.Uint64
	pending   sync.Map

	breaker *gobreaker.CircuitBreaker
}

func New(address string, config Config) *Client {
	c := &Client{
		config:    config,
		address:   address,
		closeChan: make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        address,
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.BreakerMinRequests && failureRatio >= config.BreakerFailureRatio
		},
		// Error responses mean the server is healthy.
		IsSuccessful: func(err error) bool {
			var se *kvproto.ServerError
			return err == nil || errors.As(err, &se) || errors.Is(err, ErrKeyNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("client", "Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return c
}

// Dial creates a client and connects it immediately.
func Dial(address string, config Config) (*Client, error) {
	c := New(address, config)
	if _, err := c.ensureConn(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureConn() (net.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed.Load() {
		return nil, ErrAlreadyClosed
	}
	if c.conn != nil && c.connected.Load() {
		return c.conn, nil
	}

	conn, err := server.Dial(c.address, c.config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.address, err)
	}
	c.conn = conn
	c.connDone = make(chan struct{})
	c.connected.Store(true)

	c.wg.Add(1)
	go c.recvLoop(conn, c.connDone)
	return conn, nil
}

func (c *Client) recvLoop(conn net.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	for {
		msgType, payload, err := kvproto.ReadMessage(conn)
		if err != nil {
			if !c.closed.Load() {
				logger.Printf("debug-client", "Read error from %s: %v", c.address, err)
			}
			c.connected.Store(false)
			conn.Close()
			return
		}

		resp, err := kvproto.DecodeResponse(msgType, payload)
		if err != nil {
			logger.Printf("debug-client", "Dropping undecodable response: %v", err)
			continue
		}

		// id 0 is reserved for connection-level errors such as a full server.
		if resp.ID == 0 && resp.Type == kvproto.MsgTypeError {
			logger.Warning("Server rejected connection: %s", resp.Message)
			c.pending.Range(func(_, v any) bool {
				select {
				case v.(chan *kvproto.Response) <- resp:
				default:
				}
				return true
			})
			continue
		}

		if ch, ok := c.pending.Load(resp.ID); ok {
			ch.(chan *kvproto.Response) <- resp
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req *kvproto.Request) (*kvproto.Response, error) {
	conn, err := c.ensureConn()
	if err != nil {
		return nil, err
	}

	c.connMu.Lock()
	done := c.connDone
	c.connMu.Unlock()

	req.ID = c.requestID.Add(1)
	respChan := make(chan *kvproto.Response, 1)
	c.pending.Store(req.ID, respChan)
	defer c.pending.Delete(req.ID)

	payload, err := kvproto.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = kvproto.WriteMessage(conn, req.Type, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.connected.Store(false)
		conn.Close()
		return nil, err
	}

	timeout := time.NewTimer(c.config.RequestTimeout)
	defer timeout.Stop()

	select {
	case resp := <-respChan:
		return resp, nil
	case <-done:
		return nil, ErrNotConnected
	case <-timeout.C:
		return nil, errors.New("request timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeChan:
		return nil, ErrAlreadyClosed
	}
}

func (c *Client) do(ctx context.Context, req *kvproto.Request) (*kvproto.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp, resp.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.(*kvproto.Response), nil
}

// Get returns the value and whether the key exists.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	resp, err := c.do(ctx, &kvproto.Request{Type: kvproto.MsgTypeGet, Key: []byte(key)})
	if err != nil {
		return nil, false, err
	}
	if resp.Type != kvproto.MsgTypeValue {
		return nil, false, fmt.Errorf("unexpected %s response to get", kvproto.TypeName(resp.Type))
	}
	return resp.Value, resp.Found, nil
}

func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	return c.expectOk(ctx, &kvproto.Request{Type: kvproto.MsgTypeSet, Key: []byte(key), Value: value})
}

// Remove returns ErrKeyNotFound when the key does not exist.
func (c *Client) Remove(ctx context.Context, key string) error {
	err := c.expectOk(ctx, &kvproto.Request{Type: kvproto.MsgTypeRemove, Key: []byte(key)})
	var se *kvproto.ServerError
	if errors.As(err, &se) && se.Code == kvproto.ErrorCodeKeyNotFound {
		return ErrKeyNotFound
	}
	return err
}

func (c *Client) Compact(ctx context.Context) error {
	return c.expectOk(ctx, &kvproto.Request{Type: kvproto.MsgTypeCompact})
}

func (c *Client) expectOk(ctx context.Context, req *kvproto.Request) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Type != kvproto.MsgTypeOk {
		return fmt.Errorf("unexpected %s response to %s", kvproto.TypeName(resp.Type), kvproto.TypeName(req.Type))
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeChan)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	return nil
}
