package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jmerrifield20/certledger/internal/ledger"
)

// maxResponseBytes bounds a decoded response. Proofs and range reads are the
// large ones.
const maxResponseBytes = 32 << 20

var (
	ErrNotFound    = errors.New("not found")
	ErrRejected    = errors.New("payload rejected by admission policy")
	ErrHalted      = errors.New("scope halted")
	ErrUnavailable = errors.New("ledger temporarily unavailable")
	ErrConflict    = errors.New("conflict")
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Reason     string   // admission rejections only
	Findings   []string // admission rejections only
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server error %d: %s: %s", e.StatusCode, e.Message, e.Reason)
	}
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// Is maps status codes onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRejected:
		return e.StatusCode == http.StatusUnprocessableEntity
	case ErrHalted:
		return e.StatusCode == http.StatusLocked
	case ErrUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// Submission is one payload to certify.
type Submission struct {
	PayloadRef string `json:"payload_ref,omitempty"`
	Payload    any    `json:"payload"`
	Actor      string `json:"actor,omitempty"`
}

// VerifyParams selects the range of a server-side verification. The server
// re-digests stored payloads by default; PayloadCheck makes that mandatory and
// SkipPayloadCheck turns it off.
type VerifyParams struct {
	From             uint64
	To               *uint64
	Anchor           string
	PayloadCheck     bool
	SkipPayloadCheck bool
}

// VerifyResult is the server's verification response.
type VerifyResult struct {
	Integrity string         `json:"integrity"`
	Statement string         `json:"statement"`
	Report    *ledger.Report `json:"report"`
}

// Client is the certledger SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	adminSecret string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client, overriding any TLS options.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCA trusts the PEM-encoded CA certificate for HTTPS connections.
func WithCA(caPEM string) Option {
	return func(c *Client) error {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			return fmt.Errorf("failed to parse CA certificate PEM")
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
			Timeout:   30 * time.Second,
		}
		return nil
	}
}

// WithAdminSecret sends secret in X-Admin-Secret on admin calls.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
//
//	c, err := client.New("https://ledger.internal:8080", client.WithCA(caPEM))
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

func scopePath(scope, rest string) string {
	return "/api/v1/scopes/" + url.PathEscape(scope) + rest
}

// Submit certifies one payload and returns its receipt.
func (c *Client) Submit(ctx context.Context, scope string, sub Submission) (*ledger.Receipt, error) {
	var r ledger.Receipt
	if err := c.call(ctx, http.MethodPost, scopePath(scope, "/entries"), sub, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SubmitBatch certifies all subs atomically.
func (c *Client) SubmitBatch(ctx context.Context, scope string, subs []Submission) ([]ledger.Receipt, error) {
	var resp struct {
		Receipts []ledger.Receipt `json:"receipts"`
	}
	body := map[string]any{"entries": subs}
	if err := c.call(ctx, http.MethodPost, scopePath(scope, "/batches"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Receipts, nil
}

// Correct appends a correction superseding the payload at targetRef.
func (c *Client) Correct(ctx context.Context, scope, targetRef string, payload any, actor string) (*ledger.Receipt, error) {
	var r ledger.Receipt
	body := map[string]any{"target_ref": targetRef, "payload": payload, "actor": actor}
	if err := c.call(ctx, http.MethodPost, scopePath(scope, "/corrections"), body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Tombstone records that the payload at targetRef was erased.
func (c *Client) Tombstone(ctx context.Context, scope, targetRef, reason, actor string) (*ledger.Receipt, error) {
	var r ledger.Receipt
	body := map[string]any{"target_ref": targetRef, "reason": reason, "actor": actor}
	if err := c.call(ctx, http.MethodPost, scopePath(scope, "/tombstones"), body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Tip returns the scope's tip. An empty scope yields ErrNotFound.
func (c *Client) Tip(ctx context.Context, scope string) (*ledger.Tip, error) {
	var t ledger.Tip
	if err := c.call(ctx, http.MethodGet, scopePath(scope, "/tip"), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// entriesPageSize is the server's cap on one Entries page.
const entriesPageSize = 1000

// Entries returns entries from..to inclusive. The server caps one page at
// entriesPageSize entries.
func (c *Client) Entries(ctx context.Context, scope string, from, to uint64) ([]*ledger.Entry, error) {
	q := url.Values{}
	q.Set("from", strconv.FormatUint(from, 10))
	q.Set("to", strconv.FormatUint(to, 10))
	var resp struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, scopePath(scope, "/entries?"+q.Encode()), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Verify asks the server to verify the scope's chain. A broken chain is a
// successful call whose result has Integrity "failure".
func (c *Client) Verify(ctx context.Context, scope string, p VerifyParams) (*VerifyResult, error) {
	q := url.Values{}
	if p.From > 0 {
		q.Set("from", strconv.FormatUint(p.From, 10))
	}
	if p.To != nil {
		q.Set("to", strconv.FormatUint(*p.To, 10))
	}
	if p.Anchor != "" {
		q.Set("anchor", p.Anchor)
	}
	switch {
	case p.PayloadCheck && p.SkipPayloadCheck:
		return nil, errors.New("payload check both required and skipped")
	case p.PayloadCheck:
		q.Set("payload_check", "true")
	case p.SkipPayloadCheck:
		q.Set("payload_check", "false")
	}
	path := scopePath(scope, "/verify")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res VerifyResult
	if err := c.call(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetProof fetches the inclusion proof for entry seq without checking it.
func (c *Client) GetProof(ctx context.Context, scope string, seq uint64) (*ledger.Proof, error) {
	var p ledger.Proof
	path := scopePath(scope, "/proof/"+strconv.FormatUint(seq, 10))
	if err := c.call(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ProveEntry fetches the proof for entry seq and recomputes it locally, so
// the result does not depend on trusting the server. A proof anchored at a
// checkpoint is accepted only when trustedDigest equals the checkpoint digest;
// with no trustedDigest, ProveEntry instead walks the scope from genesis
// through seq, one Entries page at a time.
func (c *Client) ProveEntry(ctx context.Context, scope string, seq uint64, trustedDigest string) (*ledger.Entry, *ledger.Report, error) {
	proof, err := c.GetProof(ctx, scope, seq)
	if err != nil {
		return nil, nil, err
	}
	if proof.Scope != scope || proof.Seq != seq {
		return nil, nil, fmt.Errorf("server returned proof for %s/%d, want %s/%d", proof.Scope, proof.Seq, scope, seq)
	}
	if proof.Anchor != nil {
		if trustedDigest == "" {
			return c.proveFromGenesis(ctx, scope, seq)
		}
		if proof.Anchor.Digest != trustedDigest {
			return nil, nil, fmt.Errorf("proof anchor %s does not match trusted digest", proof.Anchor.Digest)
		}
	}
	report := proof.Verify()
	if !report.OK() {
		return nil, report, nil
	}
	return proof.Entries[len(proof.Entries)-1], report, nil
}

// proveFromGenesis rebuilds entries 0..seq from the server and checks them
// against GenesisDigest.
func (c *Client) proveFromGenesis(ctx context.Context, scope string, seq uint64) (*ledger.Entry, *ledger.Report, error) {
	var entries []*ledger.Entry
	for from := uint64(0); from <= seq; {
		to := from + entriesPageSize - 1
		if to < from || to > seq {
			to = seq
		}
		page, err := c.Entries(ctx, scope, from, to)
		if err != nil {
			return nil, nil, err
		}
		if len(page) == 0 {
			break
		}
		entries = append(entries, page...)
		last := page[len(page)-1].Seq
		if last >= seq || last < from {
			break
		}
		from = last + 1
	}

	full := &ledger.Proof{Scope: scope, Seq: seq, Entries: entries}
	report := full.Verify()
	if !report.OK() {
		return nil, report, nil
	}
	return entries[len(entries)-1], report, nil
}

// PublishCheckpoint asks the server to verify and checkpoint the scope.
func (c *Client) PublishCheckpoint(ctx context.Context, scope string) (*ledger.Checkpoint, error) {
	var resp struct {
		Checkpoint *ledger.Checkpoint `json:"checkpoint"`
	}
	if err := c.call(ctx, http.MethodPost, scopePath(scope, "/checkpoints"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoint, nil
}

// ClearHalt re-enables a halted scope. Requires WithAdminSecret.
func (c *Client) ClearHalt(ctx context.Context, scope string) error {
	if c.adminSecret == "" {
		return errors.New("admin secret not configured")
	}
	return c.call(ctx, http.MethodDelete, "/api/v1/admin/scopes/"+url.PathEscape(scope)+"/halt", nil, nil)
}

// call sends body as JSON and decodes a 2xx response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var e struct {
			Error    string   `json:"error"`
			Reason   string   `json:"reason"`
			Findings []string `json:"findings"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Reason, apiErr.Findings = e.Error, e.Reason, e.Findings
		}
		return apiErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
