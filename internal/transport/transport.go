// Package transport fans requests out to every didery server and hands the
// completed responses to the consensus engine.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/didery/didery/internal/consensus"
	"github.com/didery/didery/internal/record"
	"github.com/didery/didery/internal/signing"
)

var (
	ErrNoServers  = errors.New("at least one server url required")
	ErrSigningKey = errors.New("signing key required")
)

// DefaultTimeout bounds a single request, including reading its body.
const DefaultTimeout = 2 * time.Second

const maxBodySize = 1 << 20

// changedLayout matches the timestamps didery servers store.
const changedLayout = "2006-01-02T15:04:05.000000-07:00"

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	servers    []string
	httpClient HTTPClient
	timeout    time.Duration
	engine     *consensus.Engine
	now        func() time.Time
}

func NewClient(servers []string, timeout time.Duration, engine *consensus.Engine) *Client {
	return NewClientWithHTTP(servers, timeout, engine, &http.Client{})
}

func NewClientWithHTTP(servers []string, timeout time.Duration, engine *consensus.Engine, httpClient HTTPClient) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if engine == nil {
		engine = &consensus.Engine{}
	}
	trimmed := make([]string, len(servers))
	for i, s := range servers {
		trimmed[i] = strings.TrimRight(s, "/")
	}
	return &Client{
		servers:    trimmed,
		httpClient: httpClient,
		timeout:    timeout,
		engine:     engine,
		now:        time.Now,
	}
}

func (c *Client) Servers() []string {
	return append([]string(nil), c.servers...)
}

type request struct {
	method string
	url    string
	body   []byte
	header http.Header
}

// fanOut sends every request concurrently and waits for all of them. A
// request that fails or outlives the timeout yields status 0.
func (c *Client) fanOut(ctx context.Context, reqs []request) consensus.Responses {
	responses := make(consensus.Responses, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range reqs {
		i, r := i, r
		g.Go(func() error {
			responses[i] = c.do(ctx, r)
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (c *Client) do(ctx context.Context, r request) consensus.Reply {
	reply := consensus.Reply{URL: r.url}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return reply
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return reply
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return reply
	}

	reply.Status = resp.StatusCode
	if json.Valid(data) {
		reply.Payload = data
	}
	return reply
}

// Fetch issues a GET to every url and returns the replies in input order.
func (c *Client) Fetch(ctx context.Context, urls []string) (consensus.Responses, error) {
	if len(urls) == 0 {
		return nil, ErrNoServers
	}
	reqs := make([]request, len(urls))
	for i, u := range urls {
		reqs[i] = request{method: http.MethodGet, url: u}
	}
	return c.fanOut(ctx, reqs), nil
}

func (c *Client) endpoints(path ...string) []string {
	suffix := "/" + strings.Join(path, "/")
	urls := make([]string, len(c.servers))
	for i, s := range c.servers {
		urls[i] = s + suffix
	}
	return urls
}

func (c *Client) get(ctx context.Context, kind record.Kind, path ...string) (*consensus.Consensus, map[string]consensus.Result, error) {
	responses, err := c.Fetch(ctx, c.endpoints(path...))
	if err != nil {
		return nil, nil, err
	}
	return c.engine.ConsenseKind(kind, responses)
}

// GetHistory retrieves the rotation history of did from every server.
func (c *Client) GetHistory(ctx context.Context, did string) (*consensus.Consensus, map[string]consensus.Result, error) {
	return c.get(ctx, record.KindHistory, "history", did)
}

// GetOtp retrieves the encrypted OTP blob of did from every server.
func (c *Client) GetOtp(ctx context.Context, did string) (*consensus.Consensus, map[string]consensus.Result, error) {
	return c.get(ctx, record.KindOtp, "blob", did)
}

// GetEvents retrieves the full rotation event log of did.
func (c *Client) GetEvents(ctx context.Context, did string) (*consensus.Consensus, map[string]consensus.Result, error) {
	return c.get(ctx, record.KindComposite, "event", did)
}

// push signs body once and sends it to every server.
func (c *Client) push(ctx context.Context, method string, body []byte, signature string, path ...string) (consensus.Responses, error) {
	if len(c.servers) == 0 {
		return nil, ErrNoServers
	}
	header := http.Header{}
	header.Set("Signature", signature)

	urls := c.endpoints(path...)
	reqs := make([]request, len(urls))
	for i, u := range urls {
		reqs[i] = request{method: method, url: u, body: body, header: header}
	}
	return c.fanOut(ctx, reqs), nil
}

func signerHeader(body []byte, sk string) (string, error) {
	if sk == "" {
		return "", ErrSigningKey
	}
	sig, err := signing.Sign64u(body, sk)
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return fmt.Sprintf(`signer="%s"`, sig), nil
}

func rotationHeader(body []byte, sk, psk string) (string, error) {
	signer, err := signerHeader(body, sk)
	if err != nil {
		return "", err
	}
	if psk == "" {
		return "", fmt.Errorf("pre-rotated %w", ErrSigningKey)
	}
	rotation, err := signing.Sign64u(body, psk)
	if err != nil {
		return "", fmt.Errorf("failed to sign rotation: %w", err)
	}
	return fmt.Sprintf(`%s; rotation="%s"`, signer, rotation), nil
}

func (c *Client) stamp() string {
	return c.now().UTC().Format(changedLayout)
}

// PostHistory sends an inception event signed with the current key.
func (c *Client) PostHistory(ctx context.Context, h signing.History, sk string) (consensus.Responses, error) {
	h.Changed = c.stamp()
	body, err := record.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	sig, err := signerHeader(body, sk)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, http.MethodPost, body, sig, "history")
}

// PutHistory sends a rotation event signed by both the outgoing key and the
// pre-rotated key.
func (c *Client) PutHistory(ctx context.Context, h signing.History, sk, psk string) (consensus.Responses, error) {
	h.Changed = c.stamp()
	body, err := record.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	sig, err := rotationHeader(body, sk, psk)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, http.MethodPut, body, sig, "history", h.ID)
}

// DeleteHistory removes the history of did.
func (c *Client) DeleteHistory(ctx context.Context, did, sk string) (consensus.Responses, error) {
	return c.remove(ctx, "history", did, sk)
}

// Otp is the signed body of an encrypted key blob.
type Otp struct {
	ID      string `json:"id"`
	Blob    string `json:"blob"`
	Changed string `json:"changed,omitempty"`
}

func (c *Client) PostOtp(ctx context.Context, o Otp, sk string) (consensus.Responses, error) {
	o.Changed = c.stamp()
	body, err := record.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal otp: %w", err)
	}
	sig, err := signerHeader(body, sk)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, http.MethodPost, body, sig, "blob")
}

func (c *Client) PutOtp(ctx context.Context, o Otp, sk string) (consensus.Responses, error) {
	o.Changed = c.stamp()
	body, err := record.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal otp: %w", err)
	}
	sig, err := signerHeader(body, sk)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, http.MethodPut, body, sig, "blob", o.ID)
}

// RemoveOtp deletes the blob of did.
func (c *Client) RemoveOtp(ctx context.Context, did, sk string) (consensus.Responses, error) {
	return c.remove(ctx, "blob", did, sk)
}

func (c *Client) remove(ctx context.Context, resource, did, sk string) (consensus.Responses, error) {
	body, err := record.Marshal(struct {
		ID string `json:"id"`
	}{ID: did})
	if err != nil {
		return nil, err
	}
	sig, err := signerHeader(body, sk)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, http.MethodDelete, body, sig, resource, did)
}

// Succeeded counts the 2xx replies.
func Succeeded(responses consensus.Responses) int {
	n := 0
	for _, r := range responses {
		if r.Status >= 200 && r.Status < 300 {
			n++
		}
	}
	return n
}
