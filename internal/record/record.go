package record

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/didery/didery/internal/did"
	"github.com/didery/didery/internal/signing"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindHistory
	KindOtp
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindHistory:
		return "history"
	case KindOtp:
		return "otp"
	case KindComposite:
		return "events"
	default:
		return "unknown"
	}
}

// Record is a server payload parsed into its signed parts.
type Record interface {
	Kind() Kind
	// Raw is the payload as received, envelope and signatures included.
	Raw() json.RawMessage
	// Body is the signed resource, unwrapped from a "deleted" envelope.
	Body() json.RawMessage
	// CanonicalBody is the byte string the signatures were computed over.
	CanonicalBody() []byte
	VerificationKey() string
	Signature() string
	Valid() bool
	// Fingerprint identifies the record's content for quorum voting.
	Fingerprint(algorithm string) (string, error)
}

// Signatures holds the detached signatures of a record keyed by role.
type Signatures struct {
	Signer   string `json:"signer"`
	Rotation string `json:"rotation,omitempty"`
}

type envelope struct {
	History    json.RawMessage `json:"history"`
	OtpData    json.RawMessage `json:"otp_data"`
	Deleted    *deleted        `json:"deleted"`
	Signatures *Signatures     `json:"signatures"`
}

type deleted struct {
	History json.RawMessage `json:"history"`
	OtpData json.RawMessage `json:"otp_data"`
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Parse builds the record variant matching the payload's shape. Payloads that
// match no known shape, or fail to decode, yield an Unknown record which is
// never valid.
func Parse(status int, payload json.RawMessage) Record {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return &Unknown{raw: payload}
	}

	if payload[0] == '[' {
		if status < 200 || status > 299 {
			return &Unknown{raw: payload}
		}
		if c, ok := parseComposite(payload); ok {
			return c
		}
		return &Unknown{raw: payload}
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return &Unknown{raw: payload}
	}

	var sigs Signatures
	if env.Signatures != nil {
		sigs = *env.Signatures
	}

	switch {
	case present(env.History):
		return newHistory(payload, env.History, sigs)
	case env.Deleted != nil && present(env.Deleted.History):
		return newHistory(payload, env.Deleted.History, sigs)
	case present(env.OtpData):
		return newOtp(payload, env.OtpData, sigs)
	case env.Deleted != nil && present(env.Deleted.OtpData):
		return newOtp(payload, env.Deleted.OtpData, sigs)
	default:
		return &Unknown{raw: payload}
	}
}

type signed struct {
	raw       json.RawMessage
	body      json.RawMessage
	canonical []byte
	sigs      Signatures
}

func newSigned(raw, body json.RawMessage, sigs Signatures) signed {
	canonical, err := Canonicalize(body)
	if err != nil {
		canonical = nil
	}
	return signed{raw: raw, body: body, canonical: canonical, sigs: sigs}
}

func (s *signed) Raw() json.RawMessage { return s.raw }
func (s *signed) Body() json.RawMessage { return s.body }
func (s *signed) CanonicalBody() []byte { return s.canonical }
func (s *signed) Signatures() Signatures { return s.sigs }

// HistoryRecord is a key rotation history or a single rotation event.
type HistoryRecord struct {
	signed
	id      string
	signer  int
	signers []string
	ok      bool
}

type historyBody struct {
	ID      string          `json:"id"`
	Signer  json.RawMessage `json:"signer"`
	Signers []string        `json:"signers"`
}

func newHistory(raw, body json.RawMessage, sigs Signatures) *HistoryRecord {
	h := &HistoryRecord{signed: newSigned(raw, body, sigs)}

	var b historyBody
	if err := json.Unmarshal(body, &b); err != nil {
		return h
	}
	signer, ok := parseSigner(b.Signer)
	if !ok {
		return h
	}

	h.id = b.ID
	h.signer = signer
	h.signers = b.Signers
	h.ok = h.canonical != nil
	return h
}

// parseSigner accepts the epoch index as a JSON integer or a numeric string.
func parseSigner(raw json.RawMessage) (int, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *HistoryRecord) Kind() Kind { return KindHistory }
func (h *HistoryRecord) DID() string { return h.id }
func (h *HistoryRecord) SignerIndex() int { return h.signer }

func (h *HistoryRecord) key(index int) string {
	if !h.ok || index < 0 || index >= len(h.signers) {
		return ""
	}
	return h.signers[index]
}

// VerificationKey is the key of the current epoch, signers[signer].
func (h *HistoryRecord) VerificationKey() string {
	return h.key(h.signer)
}

// PreviousVerificationKey is signers[signer-1], or empty for the inception epoch.
func (h *HistoryRecord) PreviousVerificationKey() string {
	if h.signer == 0 {
		return ""
	}
	return h.key(h.signer - 1)
}

func (h *HistoryRecord) IsRotation() bool {
	return h.sigs.Rotation != ""
}

func (h *HistoryRecord) Signature() string {
	if h.IsRotation() {
		return h.sigs.Rotation
	}
	return h.sigs.Signer
}

// Valid checks the signer signature against the current key. A rotation
// event must carry both signatures: the rotation signature by the new key and
// the signer signature by the previous key.
func (h *HistoryRecord) Valid() bool {
	if !h.ok {
		return false
	}
	if h.IsRotation() {
		rotation := signing.Verify64u(h.sigs.Rotation, h.canonical, h.VerificationKey())
		signer := signing.Verify64u(h.sigs.Signer, h.canonical, h.PreviousVerificationKey())
		return rotation && signer
	}
	return signing.Verify64u(h.sigs.Signer, h.canonical, h.VerificationKey())
}

func (h *HistoryRecord) Fingerprint(string) (string, error) {
	return h.Signature(), nil
}

// OtpRecord is an encrypted one-time-pad blob. Its verification key is the
// key segment of the DID it is stored under.
type OtpRecord struct {
	signed
	id string
	vk string
}

type otpBody struct {
	ID   string `json:"id"`
	Blob string `json:"blob"`
}

func newOtp(raw, body json.RawMessage, sigs Signatures) *OtpRecord {
	o := &OtpRecord{signed: newSigned(raw, body, sigs)}

	var b otpBody
	if err := json.Unmarshal(body, &b); err != nil {
		return o
	}
	o.id = b.ID
	if d, err := did.Parse(b.ID); err == nil {
		o.vk = d.Key
	}
	return o
}

func (o *OtpRecord) Kind() Kind { return KindOtp }
func (o *OtpRecord) DID() string { return o.id }
func (o *OtpRecord) VerificationKey() string { return o.vk }
func (o *OtpRecord) Signature() string { return o.sigs.Signer }

func (o *OtpRecord) Valid() bool {
	if o.canonical == nil {
		return false
	}
	return signing.Verify64u(o.sigs.Signer, o.canonical, o.vk)
}

func (o *OtpRecord) Fingerprint(string) (string, error) {
	return o.Signature(), nil
}

// Unknown is a payload of no recognized shape.
type Unknown struct {
	raw json.RawMessage
}

func (u *Unknown) Kind() Kind { return KindUnknown }
func (u *Unknown) Raw() json.RawMessage { return u.raw }
func (u *Unknown) Body() json.RawMessage { return nil }
func (u *Unknown) CanonicalBody() []byte { return nil }
func (u *Unknown) VerificationKey() string { return "" }
func (u *Unknown) Signature() string { return "" }
func (u *Unknown) Valid() bool { return false }
func (u *Unknown) Fingerprint(string) (string, error) { return "", nil }
