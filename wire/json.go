// Package wire provides the JSON codec used to move gateway payloads
// between the wire and Go structs.
package wire

import (
	"io"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v to JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// UnmarshalReader decodes a single JSON value streamed from reader into v.
func UnmarshalReader(reader io.Reader, v any) error {
	return json.NewDecoder(reader).Decode(v)
}

// MarshalToWriter encodes v to JSON and writes it to writer.
func MarshalToWriter(writer io.Writer, v any) error {
	return json.NewEncoder(writer).Encode(v)
}
