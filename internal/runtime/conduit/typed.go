package conduit

import (
	"context"
	"fmt"

	"github.com/drblury/pentacore/internal/runtime/jsoncodec"
)

// TypedHandler receives the envelope payload decoded as T.
type TypedHandler[T any] func(ctx context.Context, env Envelope, payload T) error

// Typed adapts a TypedHandler to Handler. Payloads that already hold a T
// are passed through; raw JSON bytes and other JSON-compatible values are
// decoded into a fresh T. A payload that cannot be decoded dead-letters the
// envelope with the decode error.
func Typed[T any](handler TypedHandler[T]) Handler {
	return func(ctx context.Context, env Envelope) error {
		payload, err := decodePayload[T](env.Payload)
		if err != nil {
			return err
		}
		return handler(ctx, env, payload)
	}
}

func decodePayload[T any](raw any) (T, error) {
	var out T
	switch v := raw.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
		return out, fmt.Errorf("decode payload: nil %T", raw)
	case []byte:
		decoded, err := jsoncodec.UnmarshalAs[T](v)
		if err != nil {
			return out, fmt.Errorf("decode payload as %T: %w", out, err)
		}
		return decoded, nil
	}

	converted, err := jsoncodec.Convert[T](raw)
	if err != nil {
		return out, fmt.Errorf("decode payload %T as %T: %w", raw, out, err)
	}
	return converted, nil
}
