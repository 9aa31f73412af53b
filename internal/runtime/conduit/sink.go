package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errs "github.com/drblury/pentacore/internal/runtime/errors"
	"github.com/drblury/pentacore/internal/runtime/jsoncodec"
)

// Metadata keys set on forwarded dead letters.
const (
	MetadataRoute   = "pentacore_route"
	MetadataReason  = "pentacore_reason"
	MetadataAttempt = "pentacore_attempt"
	MetadataHash    = "pentacore_content_hash"
)

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// DeadLetterSink receives every dead letter after it has been recorded.
type DeadLetterSink interface {
	Forward(ctx context.Context, dl DeadLetter) error
}

// WatermillSink publishes dead letters as JSON messages to a Watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillSink returns a sink publishing to topic.
func NewWatermillSink(publisher message.Publisher, topic string) (*WatermillSink, error) {
	if publisher == nil {
		return nil, errs.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errs.ErrTopicRequired
	}
	return &WatermillSink{publisher: publisher, topic: topic}, nil
}

type deadLetterRecord struct {
	Envelope envelopeRecord `json:"envelope"`
	Reason   string         `json:"reason"`
	DiedAt   string         `json:"died_at"`
}

type envelopeRecord struct {
	Envelope
	Payload json.RawMessage `json:"payload"`
}

// NewDeadLetterMessage converts dl into a Watermill message. The message
// UUID is the envelope ID so consumers can deduplicate replays.
func NewDeadLetterMessage(dl DeadLetter) (*message.Message, error) {
	payload, err := encodePayload(dl.Envelope.Payload)
	if err != nil {
		return nil, err
	}
	body, err := jsoncodec.Marshal(deadLetterRecord{
		Envelope: envelopeRecord{Envelope: dl.Envelope, Payload: payload},
		Reason:   dl.Reason,
		DiedAt:   dl.DiedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}

	msg := message.NewMessage(dl.Envelope.ID, body)
	msg.Metadata.Set(MetadataRoute, dl.Envelope.Route().String())
	msg.Metadata.Set(MetadataReason, dl.Reason)
	msg.Metadata.Set(MetadataAttempt, strconv.Itoa(dl.Envelope.Attempt))
	msg.Metadata.Set(MetadataHash, dl.Envelope.ContentHash)
	return msg, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var (
		out []byte
		err error
	)
	if pm, ok := payload.(proto.Message); ok {
		out, err = protoJSONMarshalOptions.Marshal(pm)
	} else {
		out, err = jsoncodec.Marshal(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPayloadEncoding, err)
	}
	return out, nil
}

// Forward publishes dl to the sink topic.
func (s *WatermillSink) Forward(ctx context.Context, dl DeadLetter) error {
	msg, err := NewDeadLetterMessage(dl)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return s.publisher.Publish(s.topic, msg)
}
