// Package recordtest builds signed didery payloads for tests.
package recordtest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/didery/didery/internal/record"
	"github.com/didery/didery/internal/signing"
)

// Key returns a deterministic key pair for index i.
func Key(i int) *signing.KeyPair {
	pair, err := signing.KeyGen(bytes.Repeat([]byte{byte(i + 1)}, 32), "dad")
	if err != nil {
		panic(fmt.Sprintf("recordtest: key %d: %v", i, err))
	}
	return pair
}

// ForgeryKey signs payloads that must fail validation.
func ForgeryKey() *signing.KeyPair {
	return Key(200)
}

func mustMarshal(v interface{}) []byte {
	data, err := record.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("recordtest: marshal: %v", err))
	}
	return data
}

func mustSign(body []byte, key *signing.KeyPair) string {
	sig, err := signing.Sign64u(body, key.SigningKey)
	if err != nil {
		panic(fmt.Sprintf("recordtest: sign: %v", err))
	}
	return sig
}

// HistoryBuilder builds a rotation history signed the way a client signs it.
type HistoryBuilder struct {
	keys        []*signing.KeyPair
	signer      int
	deleted     bool
	badSigner   bool
	badRotation bool
	offset      int
}

// NewHistory starts an inception history: signer 0 with a current and a
// pre-rotated key.
func NewHistory() *HistoryBuilder {
	return &HistoryBuilder{keys: []*signing.KeyPair{Key(0), Key(1)}}
}

// WithKeyOffset derives all keys from a different range so two builders
// produce unrelated histories.
func (b *HistoryBuilder) WithKeyOffset(offset int) *HistoryBuilder {
	b.offset = offset
	for i := range b.keys {
		b.keys[i] = Key(offset + i)
	}
	return b
}

// WithRotation advances the signer epoch and appends a new pre-rotated key.
func (b *HistoryBuilder) WithRotation() *HistoryBuilder {
	b.signer++
	b.keys = append(b.keys, Key(b.offset+len(b.keys)))
	return b
}

func (b *HistoryBuilder) WithInvalidSignerSignature() *HistoryBuilder {
	b.badSigner = true
	return b
}

func (b *HistoryBuilder) WithInvalidRotationSignature() *HistoryBuilder {
	b.badRotation = true
	return b
}

// Deleted nests the history under a "deleted" envelope.
func (b *HistoryBuilder) Deleted() *HistoryBuilder {
	b.deleted = true
	return b
}

func (b *HistoryBuilder) DID() string {
	return b.keys[0].DID
}

func (b *HistoryBuilder) Body() signing.History {
	signers := make([]string, len(b.keys))
	for i, k := range b.keys {
		signers[i] = k.VerificationKey
	}
	return signing.History{ID: b.DID(), Signer: b.signer, Signers: signers}
}

func (b *HistoryBuilder) Signatures() record.Signatures {
	body := mustMarshal(b.Body())

	if b.signer == 0 {
		key := b.keys[0]
		if b.badSigner {
			key = ForgeryKey()
		}
		sigs := record.Signatures{Signer: mustSign(body, key)}
		if b.badRotation {
			sigs.Rotation = mustSign(body, ForgeryKey())
		}
		return sigs
	}

	signerKey, rotationKey := b.keys[b.signer-1], b.keys[b.signer]
	if b.badSigner {
		signerKey = ForgeryKey()
	}
	if b.badRotation {
		rotationKey = ForgeryKey()
	}
	return record.Signatures{
		Signer:   mustSign(body, signerKey),
		Rotation: mustSign(body, rotationKey),
	}
}

// Build returns the payload a server answers a history request with.
func (b *HistoryBuilder) Build() json.RawMessage {
	body := json.RawMessage(mustMarshal(b.Body()))
	if b.deleted {
		return mustMarshal(map[string]interface{}{
			"deleted":    map[string]json.RawMessage{"history": body},
			"signatures": b.Signatures(),
		})
	}
	return mustMarshal(map[string]interface{}{
		"history":    body,
		"signatures": b.Signatures(),
	})
}

// Event returns the history as one entry of an event log.
func (b *HistoryBuilder) Event() json.RawMessage {
	return mustMarshal(map[string]interface{}{
		"event":      json.RawMessage(mustMarshal(b.Body())),
		"signatures": b.Signatures(),
	})
}

// Events builds a valid event log of n epochs. The epoch listed in invalid,
// if any, carries a forged signer signature.
func Events(n int, invalid ...int) json.RawMessage {
	bad := make(map[int]bool, len(invalid))
	for _, i := range invalid {
		bad[i] = true
	}

	entries := make([]json.RawMessage, 0, n)
	b := NewHistory()
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WithRotation()
		}
		e := *b
		e.keys = append([]*signing.KeyPair(nil), b.keys...)
		e.badSigner = bad[i]
		entries = append(entries, e.Event())
	}
	return mustMarshal(entries)
}

type otpBody struct {
	ID   string `json:"id"`
	Blob string `json:"blob"`
}

// OtpBuilder builds an OTP blob payload signed by the DID's key.
type OtpBuilder struct {
	key     *signing.KeyPair
	blob    string
	deleted bool
	bad     bool
}

func NewOtp() *OtpBuilder {
	return &OtpBuilder{key: Key(0), blob: "AeYbsHot0pmdWAcgTo5sD8iAuSQAfnH5U6wiIGpVNJQQoYKBYrPPxAoIc1i5SHCIDS8KFFgf8i0tDq8XGizaCgo9yjuKHHNJZFi0QD9K6Vpt6fP0XgXlj8z_4D-7s3CcYmuoWAh6NVtYaf_GWw_2sCrHBAA2mAEsml3thLmu50Dw"}
}

func (b *OtpBuilder) WithBlob(blob string) *OtpBuilder {
	b.blob = blob
	return b
}

func (b *OtpBuilder) WithKey(key *signing.KeyPair) *OtpBuilder {
	b.key = key
	return b
}

func (b *OtpBuilder) WithInvalidSignature() *OtpBuilder {
	b.bad = true
	return b
}

func (b *OtpBuilder) Deleted() *OtpBuilder {
	b.deleted = true
	return b
}

func (b *OtpBuilder) DID() string {
	return b.key.DID
}

func (b *OtpBuilder) Signature() string {
	key := b.key
	if b.bad {
		key = ForgeryKey()
	}
	return mustSign(mustMarshal(otpBody{ID: b.DID(), Blob: b.blob}), key)
}

func (b *OtpBuilder) Build() json.RawMessage {
	body := json.RawMessage(mustMarshal(otpBody{ID: b.DID(), Blob: b.blob}))
	sigs := record.Signatures{Signer: b.Signature()}
	if b.deleted {
		return mustMarshal(map[string]interface{}{
			"deleted":    map[string]json.RawMessage{"otp_data": body},
			"signatures": sigs,
		})
	}
	return mustMarshal(map[string]interface{}{
		"otp_data":   body,
		"signatures": sigs,
	})
}
