package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/didery/didery/internal/consensus"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	bodies     []string
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		m.bodies = append(m.bodies, string(data))
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

var results = map[string]consensus.Result{
	"http://localhost:8080/history/did:dad:abc": {Outcome: consensus.Success, HTTPStatus: 200},
	"http://localhost:8081/history/did:dad:abc": {Outcome: consensus.SigFailed, HTTPStatus: 200},
	"http://localhost:8082/history/did:dad:abc": {Outcome: consensus.Timeout},
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.enabled {
		t.Error("expected enabled to be true")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}
}

func TestSendConsensusFailureAlert_Disabled(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(false, "https://hooks.slack.com/test", mock)
	if err := m.SendConsensusFailureAlert("history", "did:dad:abc", results); err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected no request when disabled")
	}
}

func TestSendConsensusFailureAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	if err := m.SendConsensusFailureAlert("history", "did:dad:abc", results); err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendConsensusFailureAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendConsensusFailureAlert("history", "did:dad:abc", results); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal([]byte(mock.bodies[0]), &msg); err != nil {
		t.Fatal(err)
	}
	fields := map[string]string{}
	for _, f := range msg.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	if fields["Valid"] != "1/3" {
		t.Errorf("expected 1/3 valid, got %s", fields["Valid"])
	}
	if fields["Timeouts"] != "1" {
		t.Errorf("expected 1 timeout, got %s", fields["Timeouts"])
	}
}

func TestSendConsensusFailureAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendConsensusFailureAlert("otp", "did:dad:abc", results); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendForgedSignatureAlert_TransportError(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendForgedSignatureAlert("history", "did:dad:abc", []string{"http://localhost:8081"}); err == nil {
		t.Error("expected error when the webhook is unreachable")
	}
}

func TestNotify(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.Notify("history", "did:dad:abc", nil, results); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if len(mock.bodies) != 2 {
		t.Fatalf("expected forged and consensus alerts, got %d", len(mock.bodies))
	}
	if !strings.Contains(mock.bodies[0], "localhost:8081") {
		t.Error("expected forged alert to name the server")
	}
	if !strings.Contains(mock.bodies[1], "CONSENSUS FAILED") {
		t.Error("expected consensus failure alert")
	}
}

func TestNotify_QuorumReached(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	clean := map[string]consensus.Result{
		"http://localhost:8080/blob/did:dad:abc": {Outcome: consensus.Success},
	}
	if err := m.Notify("otp", "did:dad:abc", &consensus.Consensus{Votes: 1, Total: 1}, clean); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected no alert for a clean quorum")
	}
}
