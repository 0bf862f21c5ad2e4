package provider

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrNoDecoderMatched means no candidate decoder recognised the response shape.
	ErrNoDecoderMatched = errors.New("no decoder matched the response")
	// ErrEmptyPayload means the shape was recognised but carried no usage data.
	ErrEmptyPayload = errors.New("response carried no usage data")
)

// Decoder is one candidate interpretation of a response shape.
type Decoder[T any] struct {
	Name string
	// Match reports whether the document has this decoder's structure.
	Match func(root gjson.Result) bool
	// Decode extracts the value; it may return ErrEmptyPayload.
	Decode func(root gjson.Result) (T, error)
}

// DecodeFirst tries decoders in order and returns the result of the first whose Match succeeds.
func DecodeFirst[T any](body []byte, decoders ...Decoder[T]) (T, error) {
	var zero T
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return zero, ErrEmptyPayload
	}
	if !gjson.ValidBytes(trimmed) {
		return zero, fmt.Errorf("%w: invalid JSON", ErrNoDecoderMatched)
	}

	root := gjson.ParseBytes(trimmed)
	for _, d := range decoders {
		if d.Match(root) {
			v, err := d.Decode(root)
			if err != nil {
				return zero, fmt.Errorf("%s: %w", d.Name, err)
			}
			return v, nil
		}
	}
	return zero, ErrNoDecoderMatched
}

// hasNumbers reports whether every path resolves to a JSON number.
func hasNumbers(root gjson.Result, paths ...string) bool {
	for _, p := range paths {
		if root.Get(p).Type != gjson.Number {
			return false
		}
	}
	return true
}
