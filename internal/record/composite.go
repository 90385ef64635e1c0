package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"

	"github.com/didery/didery/internal/hash"
)

// Composite is a full rotation event log: epoch index to event, in the order
// the server listed them.
type Composite struct {
	raw    json.RawMessage
	keys   []string
	epochs map[string]*HistoryRecord
	data   json.RawMessage
}

type eventEntry struct {
	Event      json.RawMessage `json:"event"`
	Signatures json.RawMessage `json:"signatures"`
}

type eventEnvelope struct {
	History    json.RawMessage `json:"history"`
	Signatures json.RawMessage `json:"signatures"`
}

func parseComposite(payload json.RawMessage) (*Composite, bool) {
	var entries []eventEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, false
	}
	if len(entries) == 0 || !present(entries[0].Event) {
		return nil, false
	}

	c := &Composite{
		raw:    payload,
		epochs: make(map[string]*HistoryRecord, len(entries)),
	}

	for _, entry := range entries {
		var ev struct {
			Signer json.RawMessage `json:"signer"`
		}
		if err := json.Unmarshal(entry.Event, &ev); err != nil {
			return nil, false
		}
		signer, ok := parseSigner(ev.Signer)
		if !ok {
			return nil, false
		}
		key := strconv.Itoa(signer)

		raw, err := json.Marshal(eventEnvelope{History: entry.Event, Signatures: entry.Signatures})
		if err != nil {
			return nil, false
		}
		var sigs Signatures
		if present(entry.Signatures) {
			if err := json.Unmarshal(entry.Signatures, &sigs); err != nil {
				return nil, false
			}
		}

		if _, seen := c.epochs[key]; !seen {
			c.keys = append(c.keys, key)
		}
		c.epochs[key] = newHistory(raw, entry.Event, sigs)
	}

	data, err := c.encode()
	if err != nil {
		return nil, false
	}
	c.data = data
	return c, true
}

// encode writes the epoch mapping as a JSON object in epoch insertion order.
func (c *Composite) encode() (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range c.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(&buf, key)
		buf.WriteByte(':')
		canonical, err := Canonicalize(c.epochs[key].Raw())
		if err != nil {
			return nil, err
		}
		buf.Write(canonical)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Composite) Kind() Kind { return KindComposite }

// Raw is the event list as received.
func (c *Composite) Raw() json.RawMessage { return c.raw }

// Body is the epoch mapping {"0": {"history": ..., "signatures": ...}, ...}.
func (c *Composite) Body() json.RawMessage { return c.data }

func (c *Composite) CanonicalBody() []byte { return c.data }

func (c *Composite) VerificationKey() string { return "" }

// Signature is empty: a composite is identified by its Fingerprint.
func (c *Composite) Signature() string { return "" }

// Keys returns the epoch indexes in insertion order.
func (c *Composite) Keys() []string {
	return append([]string(nil), c.keys...)
}

func (c *Composite) Epoch(key string) (*HistoryRecord, bool) {
	h, ok := c.epochs[key]
	return h, ok
}

func (c *Composite) Len() int { return len(c.keys) }

// Valid requires every epoch to be valid. There is no partial credit.
func (c *Composite) Valid() bool {
	if len(c.keys) == 0 {
		return false
	}
	for _, key := range c.keys {
		if !c.epochs[key].Valid() {
			return false
		}
	}
	return true
}

// Fingerprint hashes the RFC 8785 canonical form of the whole epoch mapping.
func (c *Composite) Fingerprint(algorithm string) (string, error) {
	canonical, err := jcs.Transform(c.data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize events: %w", err)
	}
	return hash.Sum(algorithm, canonical)
}
