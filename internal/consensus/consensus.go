// Package consensus decides which record a qualified majority of didery
// servers agree on. It performs no I/O: the caller fans out the requests and
// hands over the completed responses.
package consensus

import (
	"fmt"

	"github.com/didery/didery/internal/hash"
	"github.com/didery/didery/internal/record"
)

// A fingerprint wins when at least two thirds of all responses carry it.
const (
	majorityNumerator   = 2
	majorityDenominator = 3
)

// Reached reports whether votes out of total responses meet the majority
// threshold. The comparison is exact: votes >= total*2/3.
func Reached(votes, total int) bool {
	if total <= 0 {
		return false
	}
	return votes*majorityDenominator >= total*majorityNumerator
}

type mode int

const (
	single mode = iota
	history
	otp
	composite
)

// modeFor maps the kind a fetch expects to the records it accepts. Any
// other kind accepts either single record kind.
func modeFor(kind record.Kind) mode {
	switch kind {
	case record.KindHistory:
		return history
	case record.KindOtp:
		return otp
	case record.KindComposite:
		return composite
	default:
		return single
	}
}

// Engine validates responses and counts votes. The zero value fingerprints
// event logs with sha256.
type Engine struct {
	algorithm string
}

func New(hashAlgorithm string) (*Engine, error) {
	if hashAlgorithm == "" {
		hashAlgorithm = hash.SHA256
	}
	if !hash.Supported(hashAlgorithm) {
		return nil, fmt.Errorf("unsupported hash algorithm: %s", hashAlgorithm)
	}
	return &Engine{algorithm: hashAlgorithm}, nil
}

func (e *Engine) HashAlgorithm() string {
	if e == nil || e.algorithm == "" {
		return hash.SHA256
	}
	return e.algorithm
}

// ValidateData classifies every response of a single-record fetch.
func (e *Engine) ValidateData(responses Responses) *State {
	return e.validate(responses, single)
}

// ValidateComposite classifies every response of an event log fetch.
func (e *Engine) ValidateComposite(responses Responses) *State {
	return e.validate(responses, composite)
}

func (e *Engine) validate(responses Responses, m mode) *State {
	s := newState(len(responses))

	for _, reply := range responses {
		switch {
		case reply.Status == 0:
			s.addResult(reply.URL, Timeout, nil, 0)
			continue
		case reply.Status < 200 || reply.Status >= 300:
			s.addResult(reply.URL, HTTPError, reply.Payload, reply.Status)
			continue
		}

		rec := record.Parse(reply.Status, reply.Payload)
		if !accepts(m, rec.Kind()) || !rec.Valid() {
			s.addResult(reply.URL, SigFailed, reply.Payload, reply.Status)
			continue
		}

		fingerprint, err := rec.Fingerprint(e.HashAlgorithm())
		if err != nil || fingerprint == "" {
			s.addResult(reply.URL, SigFailed, reply.Payload, reply.Status)
			continue
		}
		s.addSuccess(reply.URL, fingerprint, rec, reply.Status)
	}

	return s
}

func accepts(m mode, kind record.Kind) bool {
	switch m {
	case history:
		return kind == record.KindHistory
	case otp:
		return kind == record.KindOtp
	case composite:
		return kind == record.KindComposite
	default:
		return kind == record.KindHistory || kind == record.KindOtp
	}
}

func (e *Engine) consense(responses Responses, m mode) (*Consensus, map[string]Result, error) {
	if len(responses) == 0 {
		return nil, nil, ErrNoResponses
	}
	s := e.validate(responses, m)
	return s.decide(len(responses)), s.Results, nil
}

// Consense returns the history or OTP record a majority agrees on. A nil
// Consensus with a nil error means no quorum; the results explain why.
// Results are keyed by URL, so a URL repeated in responses keeps only its
// last result while still counting towards the total.
func (e *Engine) Consense(responses Responses) (*Consensus, map[string]Result, error) {
	return e.consense(responses, single)
}

// ConsenseKind is Consense restricted to records of kind. A validly signed
// record of another kind counts as a failed signature.
func (e *Engine) ConsenseKind(kind record.Kind, responses Responses) (*Consensus, map[string]Result, error) {
	return e.consense(responses, modeFor(kind))
}

// CompositeConsense returns the event log a majority agrees on. Every epoch
// of a log must be valid for the server to vote.
func (e *Engine) CompositeConsense(responses Responses) (*Consensus, map[string]Result, error) {
	return e.consense(responses, composite)
}

// decide returns the first fingerprint, in order of first vote, that reaches
// the threshold. At two thirds at most one fingerprint can.
func (s *State) decide(total int) *Consensus {
	for _, fingerprint := range s.Order {
		votes := s.Counts[fingerprint]
		if Reached(votes, total) {
			return &Consensus{
				Fingerprint: fingerprint,
				Record:      s.Data[fingerprint],
				Votes:       votes,
				Total:       total,
			}
		}
	}
	return nil
}

// Consense runs single-record consensus with the default hash algorithm.
func Consense(responses Responses) (*Consensus, map[string]Result, error) {
	return (&Engine{}).Consense(responses)
}

// CompositeConsense runs event log consensus with the default hash algorithm.
func CompositeConsense(responses Responses) (*Consensus, map[string]Result, error) {
	return (&Engine{}).CompositeConsense(responses)
}
