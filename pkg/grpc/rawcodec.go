// Package grpc pkg/grpc/rawcodec.go: a codec for unary calls whose bodies
// are already encoded by the caller (JSON command frames). Protobuf messages
// still round-trip through it, so a server forced onto this codec keeps its
// health service working.
package grpc

import (
	"google.golang.org/protobuf/proto"
)

// RawMessage is a pre-encoded request or reply body.
type RawMessage []byte

// RawCodec passes RawMessage values through untouched and falls back to
// protobuf for everything else.
type RawCodec struct{}

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case RawMessage:
		return m, nil
	case *RawMessage:
		return *m, nil
	}

	if pm, ok := v.(proto.Message); ok {
		return proto.Marshal(pm)
	}

	return nil, errNotRawMessage
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *RawMessage:
		*m = append((*m)[:0], data...)
		return nil
	}

	if pm, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, pm)
	}

	return errNotRawMessage
}

func (RawCodec) Name() string { return "raw" }
