package encoding

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestUvarint(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, math.MaxUint32, math.MaxUint64}
	var buf bytes.Buffer
	for _, v := range values {
		before := buf.Len()
		PutUvarint(&buf, v)
		if got := buf.Len() - before; got != UvarintLen(v) {
			t.Errorf("UvarintLen(%d) = %d, encoded %d bytes", v, UvarintLen(v), got)
		}
	}

	r := bytes.NewReader(buf.Bytes())
	for _, want := range values {
		got, err := ReadUvarint(r)
		if err != nil {
			t.Fatalf("ReadUvarint() error = %v", err)
		}
		if got != want {
			t.Errorf("ReadUvarint() = %d, want %d", got, want)
		}
	}
}

func TestReadUvarintTruncated(t *testing.T) {
	var buf bytes.Buffer
	PutUvarint(&buf, 1<<40)
	truncated := buf.Bytes()[:buf.Len()-1]

	_, err := ReadUvarint(bytes.NewReader(truncated))
	if !errors.Is(err, ErrVarint) {
		t.Errorf("ReadUvarint(truncated) error = %v, want ErrVarint", err)
	}
	if _, err := ReadUvarint(bytes.NewReader(nil)); !errors.Is(err, ErrVarint) {
		t.Errorf("ReadUvarint(empty) error = %v, want ErrVarint", err)
	}
}

func TestJSONiterUseNumber(t *testing.T) {
	var out map[string]any
	if err := JSONiter.Unmarshal([]byte(`{"seq": 18446744073709551615}`), &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	num, ok := out["seq"].(json.Number)
	if !ok {
		t.Fatalf("seq type = %T, want json.Number", out["seq"])
	}
	if num.String() != "18446744073709551615" {
		t.Errorf("seq = %s", num)
	}
}

func TestJSONiterNoHTMLEscape(t *testing.T) {
	b, err := JSONiter.Marshal(map[string]string{"k": "<a&b>"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"k":"<a&b>"}` {
		t.Errorf("Marshal() = %s", b)
	}
}
