package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONCodec encodes payloads the way JSON.stringify does for the values a script
// can exchange: HTML characters are kept as is and no trailing newline is
// written. Decoded numbers are float64, the only number type a script has, and
// anything after the first JSON value is rejected.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}
