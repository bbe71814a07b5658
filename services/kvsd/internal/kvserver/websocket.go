package kvserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/greymass/kvs/libraries/encoding"
	"github.com/greymass/kvs/libraries/kvproto"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/libraries/server"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
	"nhooyr.io/websocket"
)

// WSRequest is one JSON text message from a WebSocket client. Op is one of
// "get", "set", "remove" or "compact". Value is base64 in JSON.
type WSRequest struct {
	ID    uint64 `json:"id"`
	Op    string `json:"op"`
	Key   string `json:"key,omitempty"`
	Value []byte `json:"value,omitempty"`
}

type WSResponse struct {
	ID      uint64 `json:"id"`
	Type    string `json:"type"`
	Found   bool   `json:"found,omitempty"`
	Value   []byte `json:"value,omitempty"`
	Code    uint16 `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

var wsOps = map[string]uint8{
	"get":     kvproto.MsgTypeGet,
	"set":     kvproto.MsgTypeSet,
	"remove":  kvproto.MsgTypeRemove,
	"rm":      kvproto.MsgTypeRemove,
	"compact": kvproto.MsgTypeCompact,
}

// WebSocketServer exposes the same operations as the binary protocol over
// JSON text frames. Connections count against the parent Server's limit.
type WebSocketServer struct {
	parent *Server
	http   *http.Server
}

func NewWebSocketServer(parent *Server) *WebSocketServer {
	return &WebSocketServer{parent: parent}
}

// Listen serves WebSocket upgrades on "/" and "/ws". It returns the bound
// address.
func (w *WebSocketServer) Listen(address string) (net.Addr, error) {
	listener, err := server.Listen(address)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", w.handleWebSocket)
	mux.HandleFunc("/ws", w.handleWebSocket)

	w.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := w.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warning("WebSocket server error: %v", err)
		}
	}()

	logger.Printf("server", "Listening for WebSocket clients on %s", listener.Addr())
	return listener.Addr(), nil
}

// Close stops accepting upgrades. Established WebSocket connections are
// closed by the parent Server.
func (w *WebSocketServer) Close() error {
	if w.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.http.Shutdown(ctx)
}

func (w *WebSocketServer) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	s := w.parent
	if s.closed.Load() {
		http.Error(rw, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	s.connMu.RLock()
	full := len(s.connections) >= s.cfg.MaxConnections
	s.connMu.RUnlock()
	if full {
		metrics.ConnectionsRejected.Inc()
		http.Error(rw, "max connections reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warning("WebSocket accept error: %v", err)
		return
	}
	// JSON base64 inflates values by a third.
	ws.SetReadLimit(2 * kvproto.MaxMessageSize)

	c, ok := s.register("websocket", r.RemoteAddr, func() {
		ws.Close(websocket.StatusGoingAway, "server shutdown")
	})
	if !ok {
		ws.Close(websocket.StatusTryAgainLater, "max connections reached")
		return
	}
	defer s.wg.Done()

	s.serveWebSocket(c, ws)
}

func (s *Server) serveWebSocket(c *Connection, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pending := make(chan chan *WSResponse, s.cfg.MaxPipelined)
	writerDone := make(chan struct{})
	go s.wsWriteLoop(ctx, c, ws, pending, writerDone)

	limiter := s.newLimiter()
	reason := "client disconnected"

loop:
	for {
		readCtx := ctx
		var readCancel context.CancelFunc = func() {}
		if s.cfg.IdleTimeout > 0 {
			readCtx, readCancel = context.WithTimeout(ctx, s.cfg.IdleTimeout)
		}
		msgType, data, err := ws.Read(readCtx)
		readCancel()
		if err != nil {
			reason = wsDisconnectReason(err)
			if s.closed.Load() {
				reason = "server shutdown"
			}
			break
		}
		c.Requests.Add(1)

		if err := throttle(ctx, limiter, c.Protocol); err != nil {
			break
		}

		done := make(chan *WSResponse, 1)
		select {
		case pending <- done:
		case <-s.closeChan:
			reason = "server shutdown"
			break loop
		}

		if msgType != websocket.MessageText {
			done <- wsError(0, kvproto.ErrorCodeInvalidRequest, "expected a text message")
			continue
		}
		var req WSRequest
		if err := encoding.JSONiter.Unmarshal(data, &req); err != nil {
			done <- wsError(req.ID, kvproto.ErrorCodeInvalidRequest, "invalid JSON: "+err.Error())
			continue
		}
		op, known := wsOps[strings.ToLower(req.Op)]
		if !known {
			done <- wsError(req.ID, kvproto.ErrorCodeInvalidRequest, "unknown op: "+req.Op)
			continue
		}

		s.pool.Submit(func() {
			resp := s.dispatcher.Execute(ctx, &kvproto.Request{
				Type:  op,
				ID:    req.ID,
				Key:   []byte(req.Key),
				Value: req.Value,
			})
			done <- toWSResponse(resp)
		})
	}

	close(pending)
	<-writerDone
	s.removeConnection(c, reason)
}

func (s *Server) wsWriteLoop(ctx context.Context, c *Connection, ws *websocket.Conn, pending <-chan chan *WSResponse, done chan<- struct{}) {
	defer close(done)
	broken := false
	for result := range pending {
		resp := <-result
		if broken {
			continue
		}
		data, err := encoding.JSONiter.Marshal(resp)
		if err == nil {
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
		}
		if err != nil {
			logger.Printf("debug-server", "Client %d write error: %v", c.ID, err)
			broken = true
			ws.Close(websocket.StatusInternalError, "write failed")
		}
	}
}

func toWSResponse(resp *kvproto.Response) *WSResponse {
	out := &WSResponse{
		ID:      resp.ID,
		Type:    kvproto.TypeName(resp.Type),
		Found:   resp.Found,
		Code:    resp.Code,
		Message: resp.Message,
	}
	if resp.Found {
		out.Value = resp.Value
	}
	return out
}

func wsError(id uint64, code uint16, message string) *WSResponse {
	return toWSResponse(kvproto.ErrorResponse(id, code, message))
}

func wsDisconnectReason(err error) string {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return "client disconnected"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "idle timeout"
	}
	return err.Error()
}
