// Package jsoncodec is the JSON codec shared by reservoir records, typed
// conduit handlers and dead-letter messages. It uses sonic in standard
// library compatible mode.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalAs decodes data into a fresh T.
func UnmarshalAs[T any](data []byte) (T, error) {
	var out T
	err := defaultConfig.Unmarshal(data, &out)
	return out, err
}

// Convert re-encodes v and decodes the result as T, turning maps and
// structurally compatible structs into T.
func Convert[T any](v any) (T, error) {
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return UnmarshalAs[T](data)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
