package encoding

import jsoniter "github.com/json-iterator/go"

// JSONiter is the shared JSON codec. Numbers decode as json.Number so
// 64-bit values survive a round trip through interface{}.
var JSONiter = jsoniter.Config{
	EscapeHTML:             false,
	CaseSensitive:          true,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()
