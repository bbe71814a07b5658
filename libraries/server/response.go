package server

import (
	"net/http"

	"github.com/greymass/kvs/libraries/encoding"
)

// ErrorBody is the JSON shape of every HTTP error. Code carries the
// protocol error code when one applies.
type ErrorBody struct {
	Error string `json:"error"`
	Code  uint16 `json:"code,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := encoding.JSONiter.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func WriteError(w http.ResponseWriter, status int, code uint16, message string) {
	WriteJSON(w, status, ErrorBody{Error: message, Code: code})
}
