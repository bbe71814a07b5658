package kvproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MsgTypeGet     uint8 = 0x01
	MsgTypeSet     uint8 = 0x02
	MsgTypeRemove  uint8 = 0x03
	MsgTypeCompact uint8 = 0x04

	MsgTypeValue uint8 = 0x10
	MsgTypeOk    uint8 = 0x11
	MsgTypeError uint8 = 0x12

	MaxMessageSize = 64 * 1024 * 1024

	ErrorCodeKeyNotFound     uint16 = 1
	ErrorCodeInvalidRequest  uint16 = 2
	ErrorCodeServerError     uint16 = 3
	ErrorCodeMaxClientsReach uint16 = 4
	ErrorCodeCorrupted       uint16 = 5
	ErrorCodeIO              uint16 = 6
	ErrorCodeCompaction      uint16 = 7
	ErrorCodeRateLimited     uint16 = 8
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrShortPayload    = errors.New("payload too short")
	ErrUnknownMessage  = errors.New("unknown message type")
)

// Request is any client to server message. Key and Value are unused for
// Compact, Value is unused for Get and Remove.
type Request struct {
	Type  uint8
	ID    uint64
	Key   []byte
	Value []byte
}

// Response is any server to client message.
type Response struct {
	Type    uint8
	ID      uint64
	Found   bool
	Value   []byte
	Code    uint16
	Message string
}

func (r *Response) Err() error {
	if r.Type != MsgTypeError {
		return nil
	}
	return &ServerError{Code: r.Code, Message: r.Message}
}

// ServerError is an Error response surfaced to a client.
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (code %d): %s", CodeName(e.Code), e.Code, e.Message)
}

func CodeName(code uint16) string {
	switch code {
	case ErrorCodeKeyNotFound:
		return "key not found"
	case ErrorCodeInvalidRequest:
		return "invalid request"
	case ErrorCodeServerError:
		return "server error"
	case ErrorCodeMaxClientsReach:
		return "max clients reached"
	case ErrorCodeCorrupted:
		return "corrupted"
	case ErrorCodeIO:
		return "io"
	case ErrorCodeCompaction:
		return "compaction"
	case ErrorCodeRateLimited:
		return "rate limited"
	default:
		return "unknown"
	}
}

func TypeName(msgType uint8) string {
	switch msgType {
	case MsgTypeGet:
		return "get"
	case MsgTypeSet:
		return "set"
	case MsgTypeRemove:
		return "remove"
	case MsgTypeCompact:
		return "compact"
	case MsgTypeValue:
		return "value"
	case MsgTypeOk:
		return "ok"
	case MsgTypeError:
		return "error"
	default:
		return "unknown"
	}
}

func WriteMessage(w io.Writer, msgType uint8, payload []byte) error {
	if len(payload)+1 > MaxMessageSize {
		return ErrMessageTooLarge
	}
	length := uint32(len(payload) + 1)

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], length)
	header[4] = msgType

	if _, err := w.Write(header); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	return nil
}

func ReadMessage(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	msgType := header[4]

	if length > MaxMessageSize {
		return skipMessage(r, msgType, int64(length)-1)
	}
	if length == 0 {
		return 0, nil, ErrShortPayload
	}

	payloadLen := length - 1
	if payloadLen == 0 {
		return msgType, nil, nil
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}

	return msgType, payload, nil
}

// skipMessage consumes an oversized payload so the stream stays framed.
// The request ID prefix is kept for the error response.
func skipMessage(r io.Reader, msgType uint8, payloadLen int64) (uint8, []byte, error) {
	prefix := make([]byte, min(payloadLen, 8))
	if _, err := io.ReadFull(r, prefix); err != nil {
		return 0, nil, fmt.Errorf("discard oversized message: %w", io.ErrUnexpectedEOF)
	}
	if _, err := io.CopyN(io.Discard, r, payloadLen-int64(len(prefix))); err != nil {
		return 0, nil, fmt.Errorf("discard oversized message: %w", io.ErrUnexpectedEOF)
	}
	return msgType, prefix, ErrMessageTooLarge
}

// RequestID returns the ID a payload starts with, or 0 when it is too
// short to carry one.
func RequestID(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload[0:8])
}

func encodeKeyed(id uint64, key, value []byte) []byte {
	payload := make([]byte, 12+len(key)+len(value))
	binary.LittleEndian.PutUint64(payload[0:8], id)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(key)))
	copy(payload[12:], key)
	copy(payload[12+len(key):], value)
	return payload
}

func decodeKeyed(payload []byte) (id uint64, key, rest []byte, err error) {
	if len(payload) < 12 {
		return 0, nil, nil, ErrShortPayload
	}
	id = binary.LittleEndian.Uint64(payload[0:8])
	keyLen := binary.LittleEndian.Uint32(payload[8:12])
	if uint64(len(payload)-12) < uint64(keyLen) {
		return id, nil, nil, fmt.Errorf("key length %d exceeds payload: %w", keyLen, ErrShortPayload)
	}
	end := 12 + int(keyLen)
	return id, payload[12:end], payload[end:], nil
}

func EncodeRequest(req *Request) ([]byte, error) {
	switch req.Type {
	case MsgTypeGet, MsgTypeRemove:
		return encodeKeyed(req.ID, req.Key, nil), nil
	case MsgTypeSet:
		return encodeKeyed(req.ID, req.Key, req.Value), nil
	case MsgTypeCompact:
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, req.ID)
		return payload, nil
	default:
		return nil, fmt.Errorf("request type 0x%02x: %w", req.Type, ErrUnknownMessage)
	}
}

// DecodeRequest parses a request payload. Key and Value alias payload.
func DecodeRequest(msgType uint8, payload []byte) (*Request, error) {
	switch msgType {
	case MsgTypeGet, MsgTypeRemove:
		id, key, rest, err := decodeKeyed(payload)
		if err != nil {
			return &Request{Type: msgType, ID: id}, err
		}
		if len(rest) != 0 {
			return &Request{Type: msgType, ID: id}, fmt.Errorf("%d trailing bytes after key", len(rest))
		}
		return &Request{Type: msgType, ID: id, Key: key}, nil
	case MsgTypeSet:
		id, key, value, err := decodeKeyed(payload)
		if err != nil {
			return &Request{Type: msgType, ID: id}, err
		}
		return &Request{Type: msgType, ID: id, Key: key, Value: value}, nil
	case MsgTypeCompact:
		if len(payload) < 8 {
			return &Request{Type: msgType}, ErrShortPayload
		}
		return &Request{Type: msgType, ID: binary.LittleEndian.Uint64(payload[0:8])}, nil
	default:
		// Best effort so the error response can still echo the id.
		req := &Request{Type: msgType}
		if len(payload) >= 8 {
			req.ID = binary.LittleEndian.Uint64(payload[0:8])
		}
		return req, fmt.Errorf("type 0x%02x: %w", msgType, ErrUnknownMessage)
	}
}

func EncodeResponse(resp *Response) []byte {
	switch resp.Type {
	case MsgTypeValue:
		payload := make([]byte, 9+len(resp.Value))
		binary.LittleEndian.PutUint64(payload[0:8], resp.ID)
		if resp.Found {
			payload[8] = 1
		}
		copy(payload[9:], resp.Value)
		return payload
	case MsgTypeError:
		msgBytes := []byte(resp.Message)
		payload := make([]byte, 10+len(msgBytes))
		binary.LittleEndian.PutUint64(payload[0:8], resp.ID)
		binary.LittleEndian.PutUint16(payload[8:10], resp.Code)
		copy(payload[10:], msgBytes)
		return payload
	default:
		payload := make([]byte, 8)
		binary.LittleEndian.PutUint64(payload[0:8], resp.ID)
		return payload
	}
}

func DecodeResponse(msgType uint8, payload []byte) (*Response, error) {
	switch msgType {
	case MsgTypeValue:
		if len(payload) < 9 {
			return nil, ErrShortPayload
		}
		return &Response{
			Type:  msgType,
			ID:    binary.LittleEndian.Uint64(payload[0:8]),
			Found: payload[8] != 0,
			Value: payload[9:],
		}, nil
	case MsgTypeOk:
		if len(payload) < 8 {
			return nil, ErrShortPayload
		}
		return &Response{Type: msgType, ID: binary.LittleEndian.Uint64(payload[0:8])}, nil
	case MsgTypeError:
		if len(payload) < 10 {
			return nil, ErrShortPayload
		}
		return &Response{
			Type:    msgType,
			ID:      binary.LittleEndian.Uint64(payload[0:8]),
			Code:    binary.LittleEndian.Uint16(payload[8:10]),
			Message: string(payload[10:]),
		}, nil
	default:
		return nil, fmt.Errorf("type 0x%02x: %w", msgType, ErrUnknownMessage)
	}
}

func ErrorResponse(id uint64, code uint16, message string) *Response {
	return &Response{Type: MsgTypeError, ID: id, Code: code, Message: message}
}
