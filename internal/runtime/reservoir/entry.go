package reservoir

import (
	"fmt"
	"time"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/internal/runtime/jsoncodec"
)

// Tier identifies which layer served an entry.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hot":
		*t = TierHot
	case "warm":
		*t = TierWarm
	case "cold":
		*t = TierCold
	default:
		return fmt.Errorf("unknown tier %q", text)
	}
	return nil
}

// Entry is one immutable version of a key. Tier reports where the entry
// was read from; the stored record does not carry it.
type Entry[V any] struct {
	Key         string        `json:"key"`
	Value       V             `json:"value"`
	ContentHash string        `json:"content_hash"`
	StoredAt    time.Time     `json:"stored_at"`
	Tier        Tier          `json:"tier"`
	TTL         time.Duration `json:"ttl"`
	Version     uint64        `json:"version"`
}

// Expired reports whether the entry's TTL has elapsed at now. A zero TTL
// never expires.
func (e Entry[V]) Expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.StoredAt) > e.TTL
}

// record is the persisted form shared by the warm and cold tiers.
type record[V any] struct {
	Key         string        `json:"key"`
	Value       V             `json:"value"`
	ContentHash string        `json:"content_hash"`
	StoredAt    time.Time     `json:"stored_at"`
	TTL         time.Duration `json:"ttl"`
	Version     uint64        `json:"version"`
}

type recordHeader struct {
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

func encodeRecord[V any](e Entry[V]) ([]byte, error) {
	data, err := jsoncodec.Marshal(record[V]{
		Key:         e.Key,
		Value:       e.Value,
		ContentHash: e.ContentHash,
		StoredAt:    e.StoredAt,
		TTL:         e.TTL,
		Version:     e.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPayloadEncoding, err)
	}
	return data, nil
}

func decodeRecord[V any](data []byte, tier Tier) (Entry[V], error) {
	var rec record[V]
	if err := jsoncodec.Unmarshal(data, &rec); err != nil {
		return Entry[V]{}, fmt.Errorf("%w: %v", errs.ErrLedgerCorrupted, err)
	}
	return Entry[V]{
		Key:         rec.Key,
		Value:       rec.Value,
		ContentHash: rec.ContentHash,
		StoredAt:    rec.StoredAt,
		Tier:        tier,
		TTL:         rec.TTL,
		Version:     rec.Version,
	}, nil
}

func decodeHeader(data []byte) (recordHeader, error) {
	var h recordHeader
	if err := jsoncodec.Unmarshal(data, &h); err != nil {
		return recordHeader{}, fmt.Errorf("%w: %v", errs.ErrLedgerCorrupted, err)
	}
	return h, nil
}
