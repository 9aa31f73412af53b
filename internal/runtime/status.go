package runtime

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/drblury/pentacore/internal/runtime/conduit"
	"github.com/drblury/pentacore/internal/runtime/jsoncodec"
	"github.com/drblury/pentacore/internal/runtime/locks"
	loggingpkg "github.com/drblury/pentacore/internal/runtime/logging"
	"github.com/drblury/pentacore/internal/runtime/reservoir"
)

// DeadLetterSummary is the status API view of a dead letter. Payloads are
// left out because they need not be JSON encodable.
type DeadLetterSummary struct {
	EnvelopeID string    `json:"envelope_id"`
	Route      string    `json:"route"`
	Reason     string    `json:"reason"`
	Attempt    int       `json:"attempt"`
	DiedAt     time.Time `json:"died_at"`
}

// ConduitStatus is served on /api/conduit.
type ConduitStatus struct {
	Routes      []conduit.RouteStats `json:"routes"`
	DeadLetters []DeadLetterSummary  `json:"dead_letters"`
}

// ReservoirStatus is one element of /api/reservoirs.
type ReservoirStatus struct {
	Name    string          `json:"name"`
	Stats   reservoir.Stats `json:"stats"`
	HotKeys []string        `json:"hot_keys"`
}

type reservoirProbe struct {
	instance any
	stats    func() reservoir.Stats
	hotKeys  func() []string
}

// StartStatusServer mounts the status API when Config.StatusEnabled is set.
// Servers start with Start.
func (s *Substrate) StartStatusServer() {
	if !s.Conf.StatusEnabled {
		return
	}
	if s.process == nil {
		s.process = newProcessSampler()
	}
	port := s.Conf.StatusPort
	s.RegisterHTTPHandler(port, "/api/conduit", http.HandlerFunc(s.handleGetConduit))
	s.RegisterHTTPHandler(port, "/api/locks", http.HandlerFunc(s.handleGetLocks))
	s.RegisterHTTPHandler(port, "/api/reservoirs", http.HandlerFunc(s.handleGetReservoirs))
	s.RegisterHTTPHandler(port, "/api/process", http.HandlerFunc(s.handleGetProcess))
}

// ConduitStatus snapshots route counters and the dead-letter ring.
func (s *Substrate) ConduitStatus() ConduitStatus {
	dead := s.Conduit.DeadLetters()
	out := ConduitStatus{
		Routes:      s.Conduit.Stats(),
		DeadLetters: make([]DeadLetterSummary, 0, len(dead)),
	}
	for _, dl := range dead {
		out.DeadLetters = append(out.DeadLetters, DeadLetterSummary{
			EnvelopeID: dl.Envelope.ID,
			Route:      dl.Envelope.Route().String(),
			Reason:     dl.Reason,
			Attempt:    dl.Envelope.Attempt,
			DiedAt:     dl.DiedAt,
		})
	}
	return out
}

// ReservoirStatus snapshots every reservoir opened through OpenReservoir,
// sorted by name.
func (s *Substrate) ReservoirStatus() []ReservoirStatus {
	s.reservoirsMu.Lock()
	names := make([]string, 0, len(s.reservoirs))
	for name := range s.reservoirs {
		names = append(names, name)
	}
	probes := make(map[string]reservoirProbe, len(s.reservoirs))
	for name, p := range s.reservoirs {
		probes[name] = p
	}
	s.reservoirsMu.Unlock()

	sort.Strings(names)
	out := make([]ReservoirStatus, 0, len(names))
	for _, name := range names {
		p := probes[name]
		out = append(out, ReservoirStatus{Name: name, Stats: p.stats(), HotKeys: p.hotKeys()})
	}
	return out
}


func (s *Substrate) handleGetConduit(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.ConduitStatus())
}

func (s *Substrate) handleGetLocks(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, struct {
		Stats locks.Stats `json:"stats"`
	}{Stats: s.Locks.Stats()})
}

func (s *Substrate) handleGetReservoirs(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.ReservoirStatus())
}

func (s *Substrate) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	s.writeStatus(w, r, s.process.Snapshot())
}

func (s *Substrate) writeStatus(w http.ResponseWriter, r *http.Request, body any) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.Conf.StatusCORSAllowedOrigins) > 0 {
		if allowed := s.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, body); err != nil {
		s.Logger.Error("Failed to encode status", err, loggingpkg.LogFields{"path": r.URL.Path})
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for a
// request origin, or "" when it is not allowed.
func (s *Substrate) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.Conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
