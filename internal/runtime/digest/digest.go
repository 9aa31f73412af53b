// Package digest computes the content hashes used by the conduit chain and
// the reservoir. Hashes are BLAKE3 in keyed mode with one key per domain so
// an envelope hash can never collide with an entry hash over the same bytes.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"google.golang.org/protobuf/proto"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

// Domains used by the substrate.
const (
	EnvelopeDomain = "pentacore.conduit.envelope"
	EntryDomain    = "pentacore.reservoir.entry"
)

// Size is the length in bytes of a raw digest.
const Size = 32

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("digest: CBOR encoder initialization failed: " + err.Error())
	}
}

// Canonical returns the deterministic byte encoding of v. Byte slices and
// strings are taken verbatim, protobuf messages use deterministic proto
// marshalling and everything else is encoded as core deterministic CBOR.
func Canonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	case proto.Message:
		out, err := proto.MarshalOptions{Deterministic: true}.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrPayloadEncoding, err)
		}
		return out, nil
	}
	out, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPayloadEncoding, err)
	}
	return out, nil
}

// Key derives the 32-byte BLAKE3 key for a domain. Domains of up to 32
// bytes are zero padded; longer ones are hashed down.
func Key(domain string) [Size]byte {
	var key [Size]byte
	if len(domain) <= Size {
		copy(key[:], domain)
		return key
	}
	return blake3.Sum256([]byte(domain))
}

// Sum hashes the canonical encodings of parts under domain and returns the
// lowercase hex digest. Each part is length prefixed so ("ab","c") and
// ("a","bc") hash differently.
func Sum(domain string, parts ...any) (string, error) {
	raw, err := SumRaw(domain, parts...)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// SumRaw is Sum without the hex encoding.
func SumRaw(domain string, parts ...any) ([Size]byte, error) {
	var out [Size]byte
	key := Key(domain)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		return out, err
	}

	var prefix [binary.MaxVarintLen64]byte
	for _, part := range parts {
		encoded, err := Canonical(part)
		if err != nil {
			return out, err
		}
		n := binary.PutUvarint(prefix[:], uint64(len(encoded)))
		_, _ = hasher.Write(prefix[:n])
		_, _ = hasher.Write(encoded)
	}
	copy(out[:], hasher.Sum(nil))
	return out, nil
}
