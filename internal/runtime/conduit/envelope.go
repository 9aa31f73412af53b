package conduit

import (
	"fmt"
	"time"

	"github.com/drblury/pentacore/internal/runtime/digest"
	errs "github.com/drblury/pentacore/internal/runtime/errors"
)

// Route addresses a pipe between two logical layers on a topic.
type Route struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Topic string `json:"topic"`
}

func (r Route) String() string {
	return r.From + "->" + r.To + "/" + r.Topic
}

func (r Route) validate() error {
	if r.From == "" || r.To == "" || r.Topic == "" {
		return fmt.Errorf("%w: got %q", errs.ErrRouteRequired, r.String())
	}
	return nil
}

// Envelope is the immutable unit of delivery. ContentHash covers the
// identifying fields, the canonical payload encoding and ParentHash, which
// is the ContentHash of the previous envelope sent on the same route.
type Envelope struct {
	ID          string        `json:"id"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Topic       string        `json:"topic"`
	Payload     any           `json:"payload"`
	Timestamp   time.Time     `json:"timestamp"`
	ContentHash string        `json:"content_hash"`
	ParentHash  string        `json:"parent_hash,omitempty"`
	TTL         time.Duration `json:"ttl"`
	Attempt     int           `json:"attempt"`
}

// Route returns the route the envelope was sent on.
func (e Envelope) Route() Route {
	return Route{From: e.From, To: e.To, Topic: e.Topic}
}

// Expired reports whether more than TTL has passed since the envelope was sent.
func (e Envelope) Expired(now time.Time) bool {
	return now.Sub(e.Timestamp) > e.TTL
}

func envelopeHash(id string, route Route, payload any, parent string) (string, error) {
	return digest.Sum(digest.EnvelopeDomain, id, route.From, route.To, route.Topic, payload, parent)
}

// Verify recomputes ContentHash from the recorded fields.
func (e Envelope) Verify() error {
	want, err := envelopeHash(e.ID, e.Route(), e.Payload, e.ParentHash)
	if err != nil {
		return err
	}
	if want != e.ContentHash {
		return fmt.Errorf("%w: envelope %s hash mismatch", errs.ErrChainBroken, e.ID)
	}
	return nil
}

// VerifyChain checks that envs are intact and that each envelope links to
// the one before it. Pass a route's envelopes in send order.
func VerifyChain(envs ...Envelope) error {
	for i, env := range envs {
		if err := env.Verify(); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		if env.ParentHash != envs[i-1].ContentHash {
			return fmt.Errorf("%w: envelope %s does not follow %s", errs.ErrChainBroken, env.ID, envs[i-1].ID)
		}
	}
	return nil
}
