package miner

import (
	"sync"

	"github.com/bardlex/gompminer/internal/stratum"
)

// Phase is the handshake position of a Session
type Phase int

const (
	// PhaseDisconnected - no transport
	PhaseDisconnected Phase = iota
	// PhaseConnected - transport up, mining.configure sent
	PhaseConnected
	// PhaseConfigured - configure answered
	PhaseConfigured
	// PhaseConnecting - mining.subscribe sent
	PhaseConnecting
	// PhaseConnectedSession - subscribe answered
	PhaseConnectedSession
	// PhaseAuthorizing - mining.authorize sent
	PhaseAuthorizing
	// PhaseAuthorized - worker accepted; terminal for the generation
	PhaseAuthorized
)

// String returns string representation of the phase
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnected:
		return "connected"
	case PhaseConfigured:
		return "configured"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnectedSession:
		return "connected_session"
	case PhaseAuthorizing:
		return "authorizing"
	case PhaseAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// Session is one pool connection generation. The rx and tx pumps both hold
// it for the generation's lifetime and act on it only through Do.
type Session struct {
	mu sync.Mutex

	generation uint64
	client     PoolClient
	extensions stratum.Extensions
	phase      Phase

	versionRolling  bool
	versionMask     uint32
	extraNonce1     []byte
	extraNonce2Size int
	difficulty      float64
	job             *stratum.Job

	submitted uint64
	accepted  uint64
	rejected  uint64
}

func newSession(generation uint64, client PoolClient, exts stratum.Extensions) *Session {
	return &Session{
		generation: generation,
		client:     client,
		extensions: exts,
		phase:      PhaseConnected,
	}
}

// Do runs fn with exclusive access to the session. fn must not call Do.
func (s *Session) Do(fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// Status is a point-in-time copy of a Session's observable state
type Status struct {
	Generation  uint64
	Phase       Phase
	Difficulty  float64
	VersionMask uint32
	JobID       string
	Submitted   uint64
	Accepted    uint64
	Rejected    uint64
}

// Status returns a snapshot. It waits for any in-flight Do.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Generation:  s.generation,
		Phase:       s.phase,
		Difficulty:  s.difficulty,
		VersionMask: s.versionMask,
		Submitted:   s.submitted,
		Accepted:    s.accepted,
		Rejected:    s.rejected,
	}
	if s.job != nil {
		st.JobID = s.job.JobID
	}
	return st
}
