package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greymass/kvs/libraries/kvproto"
	"github.com/greymass/kvs/libraries/logger"
	"github.com/greymass/kvs/services/kvsd/internal/engine"
	"github.com/greymass/kvs/services/kvsd/internal/metrics"
)

// Dispatcher translates protocol requests into engine calls. It keeps no
// state between requests and is shared by every transport.
type Dispatcher struct {
	engine engine.Engine
}

func New(e engine.Engine) *Dispatcher {
	return &Dispatcher{engine: e}
}

// Dispatch handles one framed request and returns the response frame.
// Malformed input yields an InvalidRequest error response.
func (d *Dispatcher) Dispatch(ctx context.Context, msgType uint8, payload []byte) (uint8, []byte) {
	var resp *kvproto.Response
	req, err := kvproto.DecodeRequest(msgType, payload)
	if err != nil {
		metrics.ObserveRequest(kvproto.TypeName(msgType), "invalid", 0)
		resp = kvproto.ErrorResponse(req.ID, kvproto.ErrorCodeInvalidRequest, err.Error())
	} else {
		resp = d.Execute(ctx, req)
	}
	return resp.Type, kvproto.EncodeResponse(resp)
}

// Execute runs a decoded request against the engine.
func (d *Dispatcher) Execute(ctx context.Context, req *kvproto.Request) (resp *kvproto.Response) {
	op := kvproto.TypeName(req.Type)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic handling %s request %d: %v", op, req.ID, r)
			resp = kvproto.ErrorResponse(req.ID, kvproto.ErrorCodeServerError, fmt.Sprint(r))
		}
		metrics.ObserveRequest(op, kvproto.TypeName(resp.Type), time.Since(start))
	}()

	switch req.Type {
	case kvproto.MsgTypeGet:
		value, found, err := d.engine.Get(req.Key)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return &kvproto.Response{Type: kvproto.MsgTypeValue, ID: req.ID, Found: found, Value: value}

	case kvproto.MsgTypeSet:
		if err := d.engine.Set(req.Key, req.Value); err != nil {
			return errorResponse(req.ID, err)
		}

	case kvproto.MsgTypeRemove:
		if err := d.engine.Remove(req.Key); err != nil {
			return errorResponse(req.ID, err)
		}

	case kvproto.MsgTypeCompact:
		if err := d.engine.Compact(ctx); err != nil {
			return errorResponse(req.ID, err)
		}

	default:
		return kvproto.ErrorResponse(req.ID, kvproto.ErrorCodeInvalidRequest,
			fmt.Sprintf("unsupported request type 0x%02x", req.Type))
	}
	return &kvproto.Response{Type: kvproto.MsgTypeOk, ID: req.ID}
}

func errorResponse(id uint64, err error) *kvproto.Response {
	code := ErrorCode(err)
	msg := err.Error()
	switch code {
	case kvproto.ErrorCodeKeyNotFound:
		msg = "Key not found"
	case kvproto.ErrorCodeServerError, kvproto.ErrorCodeIO, kvproto.ErrorCodeCorrupted:
		logger.Error("Request %d failed: %v", id, err)
	}
	return kvproto.ErrorResponse(id, code, msg)
}

// ErrorCode classifies an engine error for the wire.
func ErrorCode(err error) uint16 {
	switch {
	case errors.Is(err, engine.ErrKeyNotFound):
		return kvproto.ErrorCodeKeyNotFound
	case errors.Is(err, engine.ErrCompaction):
		return kvproto.ErrorCodeCompaction
	case errors.Is(err, engine.ErrCorrupted):
		return kvproto.ErrorCodeCorrupted
	case errors.Is(err, engine.ErrIO):
		return kvproto.ErrorCodeIO
	default:
		return kvproto.ErrorCodeServerError
	}
}
