// Package skyflow talks to the Skyflow vault record API.
package skyflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"skyflow-batch-tokenizer/pkg/types"
)

// DefaultTimeout bounds one vault call, including a call left running after
// the run was cancelled
const DefaultTimeout = 60 * time.Second

// ClientConfig identifies the vault table records are inserted into
type ClientConfig struct {
	VaultURL  string
	VaultID   string
	AccountID string
	Table     string
	Timeout   time.Duration
	// HTTPClient replaces the tuned default client, mainly for tests
	HTTPClient *http.Client
}

// Client handles communication with the Skyflow API
type Client struct {
	baseURL    string
	cfg        ClientConfig
	tokens     TokenProvider
	httpClient *http.Client
	bufferPool *sync.Pool
}

// NewClient creates a vault client. A vault URL without a scheme is taken
// to be https.
func NewClient(cfg ClientConfig, tokens TokenProvider) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(timeout)
	}
	return &Client{
		baseURL:    NormalizeURL(cfg.VaultURL),
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		// Reuse buffers for JSON marshaling to reduce allocations
		bufferPool: &sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, 4096))
			},
		},
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 50,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     120 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 20 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// NormalizeURL trims trailing slashes and adds https:// when no scheme is given
func NormalizeURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if u != "" && !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}

type insertRecord struct {
	Fields map[string]string `json:"fields"`
}

type insertRequest struct {
	Quorum       bool           `json:"quorum"`
	Tokenization bool           `json:"tokenization"`
	Records      []insertRecord `json:"records"`
}

type insertResponse struct {
	Records []struct {
		RequestIndex *int            `json:"request_index"`
		SkyflowID    string          `json:"skyflow_id"`
		Tokens       map[string]any  `json:"tokens"`
		Error        json.RawMessage `json:"error"`
	} `json:"records"`
}

// Tokenize inserts the chunk with tokenization enabled and returns one entry
// per record of the response
func (c *Client) Tokenize(ctx context.Context, chunk types.Chunk) ([]types.VaultRecord, error) {
	payload := insertRequest{
		Quorum:       false,
		Tokenization: true,
		Records:      make([]insertRecord, chunk.Len()),
	}
	for i, rec := range chunk.Records {
		payload.Records[i] = insertRecord{Fields: rec.Fields}
	}

	var resp insertResponse
	if err := c.do(ctx, http.MethodPost, c.tableURL(""), payload, &resp); err != nil {
		return nil, err
	}

	out := make([]types.VaultRecord, len(resp.Records))
	for i, r := range resp.Records {
		tokens := make(map[string]string, len(r.Tokens))
		for name, tok := range r.Tokens {
			if s := tokenString(tok); s != "" {
				tokens[name] = s
			}
		}
		out[i] = types.VaultRecord{
			RequestIndex: r.RequestIndex,
			SkyflowID:    r.SkyflowID,
			Tokens:       tokens,
			Error:        errorText(r.Error),
		}
	}
	return out, nil
}

func (c *Client) tableURL(query string) string {
	u := fmt.Sprintf("%s/v1/vaults/%s/%s", c.baseURL, c.cfg.VaultID, c.cfg.Table)
	if query != "" {
		u += "?" + query
	}
	return u
}

// do sends payload (if not nil) as JSON and decodes a 2xx response into out.
// Any other status is returned as a *types.ServiceError.
func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf := c.bufferPool.Get().(*bytes.Buffer)
		buf.Reset()
		defer c.bufferPool.Put(buf)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	if c.cfg.AccountID != "" {
		req.Header.Set("X-SKYFLOW-ACCOUNT-ID", c.cfg.AccountID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBuf := c.bufferPool.Get().(*bytes.Buffer)
	respBuf.Reset()
	defer c.bufferPool.Put(respBuf)
	if err := readBody(resp, respBuf); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		svcErr := types.NewServiceError(resp.StatusCode, errorMessage(respBuf.Bytes()))
		svcErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return svcErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBuf.Bytes(), out); err != nil {
		return fmt.Errorf("%w: failed to parse %d response: %w", types.ErrResponseMismatch, resp.StatusCode, err)
	}
	return nil
}

func readBody(resp *http.Response, buf *bytes.Buffer) error {
	if !strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		_, err := buf.ReadFrom(resp.Body)
		return err
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		return err
	}
	defer zr.Close()
	_, err = buf.ReadFrom(zr)
	return err
}

// errorMessage extracts error.message from a vault error body, falling back
// to the raw body
func errorMessage(body []byte) string {
	var e struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if msg := errorText(e.Error); msg != "" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// errorText reads an error that is either a string or an object with a
// message
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

func tokenString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// parseRetryAfter reads delta-seconds or an HTTP date
func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(h); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
