package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/didery/didery/internal/consensus"
	"github.com/didery/didery/internal/record"
	"github.com/didery/didery/internal/record/recordtest"
	"github.com/didery/didery/internal/signing"
)

func staticServer(t *testing.T, status int, payload []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func slowServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})
	return srv
}

type captured struct {
	method    string
	path      string
	body      []byte
	signature string
}

type recorder struct {
	mu    sync.Mutex
	calls []captured
}

func (rec *recorder) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, captured{
			method:    r.Method,
			path:      r.URL.Path,
			body:      body,
			signature: r.Header.Get("Signature"),
		})
		rec.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var (
	signerRe   = regexp.MustCompile(`^signer="([^"]+)"$`)
	rotationRe = regexp.MustCompile(`^signer="([^"]+)"; rotation="([^"]+)"$`)
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 20, 35, 44, 180811000, time.UTC)
}

func TestFetchOrderAndStatus(t *testing.T) {
	payload := recordtest.NewHistory().Build()
	ok := staticServer(t, http.StatusOK, payload)
	missing := staticServer(t, http.StatusNotFound, []byte(`{"title":"404 Not Found"}`))
	garbled := staticServer(t, http.StatusOK, []byte(`<html>`))

	c := NewClient(nil, time.Second, nil)
	urls := []string{ok.URL + "/history/x", missing.URL + "/history/x", garbled.URL + "/history/x"}
	responses, err := c.Fetch(context.Background(), urls)
	require.NoError(t, err)

	require.Len(t, responses, 3)
	assert.Equal(t, urls, responses.URLs())
	assert.Equal(t, http.StatusOK, responses[0].Status)
	assert.JSONEq(t, string(payload), string(responses[0].Payload))
	assert.Equal(t, http.StatusNotFound, responses[1].Status)
	assert.Equal(t, http.StatusOK, responses[2].Status)
	assert.Nil(t, responses[2].Payload)
}

func TestFetchTimeout(t *testing.T) {
	slow := slowServer(t, 5*time.Second)

	c := NewClient(nil, 50*time.Millisecond, nil)
	start := time.Now()
	responses, err := c.Fetch(context.Background(), []string{slow.URL + "/history/x"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, responses[0].Status)
	assert.Nil(t, responses[0].Payload)
}

func TestFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	responses, err := NewClient(nil, time.Second, nil).Fetch(context.Background(), []string{addr})
	require.NoError(t, err)
	assert.Zero(t, responses[0].Status)
}

func TestFetchNoServers(t *testing.T) {
	_, err := NewClient(nil, time.Second, nil).Fetch(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoServers)
}

func TestGetHistoryConsensus(t *testing.T) {
	b := recordtest.NewHistory()
	payload := b.Build()
	forged := recordtest.NewHistory().WithInvalidSignerSignature().Build()

	servers := []string{
		staticServer(t, http.StatusOK, payload).URL,
		staticServer(t, http.StatusOK, payload).URL + "/",
		staticServer(t, http.StatusOK, forged).URL,
	}

	c := NewClient(servers, time.Second, nil)
	agreed, results, err := c.GetHistory(context.Background(), b.DID())
	require.NoError(t, err)
	require.NotNil(t, agreed)

	assert.Equal(t, b.Signatures().Signer, agreed.Fingerprint)
	require.Len(t, results, 3)
	assert.Equal(t, consensus.SigFailed, results[servers[2]+"/history/"+b.DID()].Outcome)
	assert.Contains(t, results, servers[0]+"/history/"+b.DID())
}

func TestGetEventsConsensus(t *testing.T) {
	events := recordtest.Events(3)
	slow := slowServer(t, 5*time.Second)

	servers := []string{
		staticServer(t, http.StatusOK, events).URL,
		staticServer(t, http.StatusOK, events).URL,
		staticServer(t, http.StatusOK, events).URL,
		slow.URL,
	}

	c := NewClient(servers, 100*time.Millisecond, nil)
	agreed, results, err := c.GetEvents(context.Background(), "did:dad:x")
	require.NoError(t, err)
	require.NotNil(t, agreed)

	assert.Equal(t, record.KindComposite, agreed.Record.Kind())
	assert.Equal(t, consensus.Timeout, results[slow.URL+"/event/did:dad:x"].Outcome)
}

func TestGetOtpNoQuorum(t *testing.T) {
	blob := recordtest.NewOtp().Build()
	servers := []string{
		staticServer(t, http.StatusOK, blob).URL,
		staticServer(t, http.StatusInternalServerError, nil).URL,
	}

	agreed, results, err := NewClient(servers, time.Second, nil).GetOtp(context.Background(), "did:dad:x")
	require.NoError(t, err)
	assert.Nil(t, agreed)
	assert.Equal(t, consensus.HTTPError, results[servers[1]+"/blob/did:dad:x"].Outcome)
}

func TestGetOtpRejectsHistory(t *testing.T) {
	history := recordtest.NewHistory().Build()
	servers := []string{
		staticServer(t, http.StatusOK, history).URL,
		staticServer(t, http.StatusOK, history).URL,
		staticServer(t, http.StatusOK, history).URL,
	}

	c := NewClient(servers, time.Second, nil)
	agreed, results, err := c.GetOtp(context.Background(), "did:dad:abc")
	require.NoError(t, err)
	assert.Nil(t, agreed)
	require.Len(t, results, 3)
	for _, s := range servers {
		assert.Equal(t, consensus.SigFailed, results[s+"/blob/did:dad:abc"].Outcome)
	}

	blob := recordtest.NewOtp().Build()
	agreed, _, err = NewClient([]string{staticServer(t, http.StatusOK, blob).URL}, time.Second, nil).
		GetHistory(context.Background(), "did:dad:abc")
	require.NoError(t, err)
	assert.Nil(t, agreed)
}

func TestPostHistorySigned(t *testing.T) {
	var rec recorder
	servers := []string{rec.server(t, http.StatusCreated).URL, rec.server(t, http.StatusCreated).URL}

	history, current, _, err := signing.HistoryGen("dad")
	require.NoError(t, err)

	c := NewClient(servers, time.Second, nil)
	c.now = fixedNow
	responses, err := c.PostHistory(context.Background(), *history, current.SigningKey)
	require.NoError(t, err)
	assert.Equal(t, 2, Succeeded(responses))

	require.Len(t, rec.calls, 2)
	for _, call := range rec.calls {
		assert.Equal(t, http.MethodPost, call.method)
		assert.Equal(t, "/history", call.path)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(call.body, &body))
		assert.Equal(t, "2026-03-01T20:35:44.180811+00:00", body["changed"])
		assert.Equal(t, history.ID, body["id"])

		m := signerRe.FindStringSubmatch(call.signature)
		require.Len(t, m, 2, "signature header %q", call.signature)
		assert.True(t, signing.Verify64u(m[1], call.body, current.VerificationKey))
	}
}

func TestPutHistoryRotation(t *testing.T) {
	var rec recorder
	servers := []string{rec.server(t, http.StatusOK).URL}

	history, current, rotated, err := signing.HistoryGen("dad")
	require.NoError(t, err)
	next, err := signing.KeyGen(nil, "dad")
	require.NoError(t, err)

	history.Signer = 1
	history.Signers = append(history.Signers, next.VerificationKey)

	c := NewClient(servers, time.Second, nil)
	_, err = c.PutHistory(context.Background(), *history, current.SigningKey, rotated.SigningKey)
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, http.MethodPut, call.method)
	assert.Equal(t, "/history/"+history.ID, call.path)

	m := rotationRe.FindStringSubmatch(call.signature)
	require.Len(t, m, 3, "signature header %q", call.signature)
	assert.True(t, signing.Verify64u(m[1], call.body, current.VerificationKey))
	assert.True(t, signing.Verify64u(m[2], call.body, rotated.VerificationKey))

	// A server echoing the signed body back must validate as a rotation.
	payload, err := json.Marshal(map[string]interface{}{
		"history":    json.RawMessage(call.body),
		"signatures": record.Signatures{Signer: m[1], Rotation: m[2]},
	})
	require.NoError(t, err)
	assert.True(t, record.Parse(http.StatusOK, payload).Valid())

	_, err = c.PutHistory(context.Background(), *history, current.SigningKey, "")
	assert.ErrorIs(t, err, ErrSigningKey)
}

func TestOtpPushes(t *testing.T) {
	var rec recorder
	servers := []string{rec.server(t, http.StatusOK).URL}
	key := recordtest.Key(0)

	c := NewClient(servers, time.Second, nil)
	ctx := context.Background()

	_, err := c.PostOtp(ctx, Otp{ID: key.DID, Blob: "abc"}, key.SigningKey)
	require.NoError(t, err)
	_, err = c.PutOtp(ctx, Otp{ID: key.DID, Blob: "def"}, key.SigningKey)
	require.NoError(t, err)
	_, err = c.RemoveOtp(ctx, key.DID, key.SigningKey)
	require.NoError(t, err)
	_, err = c.DeleteHistory(ctx, key.DID, key.SigningKey)
	require.NoError(t, err)

	require.Len(t, rec.calls, 4)
	assert.Equal(t, "/blob", rec.calls[0].path)
	assert.Equal(t, "/blob/"+key.DID, rec.calls[1].path)
	assert.Equal(t, http.MethodDelete, rec.calls[2].method)
	assert.Equal(t, `{"id":"`+key.DID+`"}`, string(rec.calls[2].body))
	assert.Equal(t, "/history/"+key.DID, rec.calls[3].path)

	for _, call := range rec.calls {
		m := signerRe.FindStringSubmatch(call.signature)
		require.Len(t, m, 2)
		assert.True(t, signing.Verify64u(m[1], call.body, key.VerificationKey))
	}
}

func TestPushRequiresKey(t *testing.T) {
	c := NewClient([]string{"http://localhost:1"}, time.Second, nil)
	_, err := c.PostOtp(context.Background(), Otp{ID: "did:dad:x", Blob: "a"}, "")
	assert.ErrorIs(t, err, ErrSigningKey)

	_, err = NewClient(nil, time.Second, nil).DeleteHistory(context.Background(), "did:dad:x", recordtest.Key(0).SigningKey)
	assert.ErrorIs(t, err, ErrNoServers)
}
