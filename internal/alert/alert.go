package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/didery/didery/internal/consensus"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
	now          func() time.Time
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const footer = "Didery Consensus Monitor"

func NewManager(enabled bool, slackWebhook string) *Manager {
	return NewManagerWithClient(enabled, slackWebhook, &http.Client{Timeout: 10 * time.Second})
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
		now:          time.Now,
	}
}

func (m *Manager) active() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendConsensusFailureAlert reports that no record reached a two thirds
// majority, with the per-server breakdown.
func (m *Manager) SendConsensusFailureAlert(resource, did string, results map[string]consensus.Result) error {
	if !m.active() {
		return nil
	}

	counts := make(map[consensus.Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
	}

	msg := slackMessage{
		Text: "⚠️ *CONSENSUS FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "No Quorum Reached",
				Fields: []slackField{
					{Title: "Resource", Value: resource, Short: true},
					{Title: "DID", Value: did, Short: true},
					{Title: "Valid", Value: fmt.Sprintf("%d/%d", counts[consensus.Success], len(results)), Short: true},
					{Title: "Failed Signatures", Value: fmt.Sprintf("%d", counts[consensus.SigFailed]), Short: true},
					{Title: "Errors", Value: fmt.Sprintf("%d", counts[consensus.HTTPError]), Short: true},
					{Title: "Timeouts", Value: fmt.Sprintf("%d", counts[consensus.Timeout]), Short: true},
				},
				Footer: footer,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendForgedSignatureAlert reports servers that answered 2xx with a record
// whose signatures do not verify.
func (m *Manager) SendForgedSignatureAlert(resource, did string, urls []string) error {
	if !m.active() || len(urls) == 0 {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *FORGED SIGNATURE DETECTED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Signature Validation Failed",
				Fields: []slackField{
					{Title: "Resource", Value: resource, Short: true},
					{Title: "DID", Value: did, Short: true},
					{Title: "Servers", Value: strings.Join(urls, "\n"), Short: false},
				},
				Footer: footer,
				Ts:     m.now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// Notify sends the alerts a pull warrants: one for forged signatures and one
// when consensus was not reached.
func (m *Manager) Notify(resource, did string, agreed *consensus.Consensus, results map[string]consensus.Result) error {
	if !m.active() {
		return nil
	}

	var forged []string
	for url, r := range results {
		if r.Outcome == consensus.SigFailed {
			forged = append(forged, url)
		}
	}
	sort.Strings(forged)

	if err := m.SendForgedSignatureAlert(resource, did, forged); err != nil {
		return err
	}
	if agreed == nil {
		return m.SendConsensusFailureAlert(resource, did, results)
	}
	return nil
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
