package consensus

import (
	"encoding/json"
	"errors"

	"github.com/didery/didery/internal/record"
)

// ErrNoResponses is returned when consensus is requested over an empty
// response set. It is a caller error, not a failed quorum.
var ErrNoResponses = errors.New("consensus: no responses")

// Response is one server's answer. Status 0 means the request timed out and
// no HTTP exchange took place.
type Response struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply pairs a Response with the URL it was requested from.
type Reply struct {
	URL string `json:"url"`
	Response
}

// Responses holds the replies of one fan-out in request order.
type Responses []Reply

func (r Responses) URLs() []string {
	urls := make([]string, len(r))
	for i, reply := range r {
		urls[i] = reply.URL
	}
	return urls
}

type Outcome int

const (
	Timeout Outcome = iota
	Success
	HTTPError
	SigFailed
)

func (o Outcome) String() string {
	switch o {
	case Timeout:
		return "TIMEOUT"
	case Success:
		return "VALID"
	case HTTPError:
		return "ERROR"
	case SigFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "TIMEOUT":
		*o = Timeout
	case "VALID":
		*o = Success
	case "ERROR":
		*o = HTTPError
	case "FAILED":
		*o = SigFailed
	default:
		return errors.New("consensus: unknown outcome " + string(text))
	}
	return nil
}

// Result is the diagnostic outcome for one server.
type Result struct {
	URL        string          `json:"url"`
	Outcome    Outcome         `json:"outcome"`
	Response   json.RawMessage `json:"response,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
}

// Consensus is the record a qualified majority of servers agreed on.
type Consensus struct {
	Fingerprint string
	Record      record.Record
	Votes       int
	Total       int
}

// Data is the agreed payload: the server envelope for a single record, or the
// epoch mapping for an event log.
func (c *Consensus) Data() json.RawMessage {
	if c.Record.Kind() == record.KindComposite {
		return c.Record.Body()
	}
	return c.Record.Raw()
}

// State accumulates one validation pass. It is created per call and never
// shared.
type State struct {
	// Data maps a fingerprint to the last valid record carrying it.
	Data map[string]record.Record
	// Counts maps a fingerprint to the number of servers that returned it.
	Counts map[string]int
	// Order lists fingerprints by first vote.
	Order   []string
	Results map[string]Result
	// NumValid counts the responses that passed signature validation.
	NumValid int
}

func newState(n int) *State {
	return &State{
		Data:    make(map[string]record.Record),
		Counts:  make(map[string]int),
		Results: make(map[string]Result, n),
	}
}

func (s *State) addResult(url string, outcome Outcome, payload json.RawMessage, status int) {
	s.Results[url] = Result{URL: url, Outcome: outcome, Response: payload, HTTPStatus: status}
}

func (s *State) addSuccess(url, fingerprint string, rec record.Record, status int) {
	s.addResult(url, Success, rec.Raw(), status)
	if _, ok := s.Counts[fingerprint]; !ok {
		s.Order = append(s.Order, fingerprint)
	}
	s.Counts[fingerprint]++
	s.Data[fingerprint] = rec
	s.NumValid++
}
