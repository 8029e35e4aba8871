// Package upstream defines the contract the core consumes to reach
// the generative-AI API fronted by this proxy, plus one concrete HTTP
// implementation of it.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/omarluq/gemini-relay/internal/keyregistry"
)

// DefaultBaseURL is the upstream generative-AI API's production
// endpoint, used when config does not override it.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Part is one element of a turn's parts array. Text carries formal or
// thought content; Thought marks it as intermediate reasoning scratch
// rather than formal output.
type Part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

// Turn is one entry in a request's contents array.
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Request is the nested structure the upstream's generate contract
// takes: a list of turns. Extra is not serialized into the upstream
// request body.
type Request struct {
	Contents []Turn         `json:"contents"`
	Extra    map[string]any `json:"-"`
}

// Clone returns a copy of the request with fresh Contents and Parts
// slices, suitable for the stream retry engine to splice continuation
// turns into without mutating the original caller's request. Extra is
// not copied.
func (r *Request) Clone() *Request {
	out := &Request{Contents: make([]Turn, len(r.Contents))}
	for i, t := range r.Contents {
		parts := make([]Part, len(t.Parts))
		copy(parts, t.Parts)
		out.Contents[i] = Turn{Role: t.Role, Parts: parts}
	}
	return out
}

// StreamResponse is one upstream SSE attempt: a byte stream the
// caller reads line by line, plus the HTTP status observed on
// connect.
type StreamResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// Generator is the two methods the core consumes to talk to the
// upstream: issue a generate call for model using key, and probe a
// credential's validity with a minimal synthetic prompt.
type Generator interface {
	// Generate issues a streaming generate call against model using
	// cred, returning the raw SSE body for the stream retry engine to
	// parse.
	Generate(ctx context.Context, model string, req *Request, cred keyregistry.Credential) (*StreamResponse, error)

	// Verify issues one small, non-streaming generate call against
	// model using cred and reports the HTTP status observed. Used by
	// the valid key pool to validate pool candidates.
	Verify(ctx context.Context, model string, cred keyregistry.Credential) (statusCode int, err error)
}

// HTTPGenerator is the concrete Generator backed by net/http against
// a single upstream base URL.
type HTTPGenerator struct {
	client  *http.Client
	baseURL string
}

// NewHTTPGenerator constructs an HTTPGenerator. client's Timeout
// should be 0 (unbounded) for streaming calls; per-request deadlines
// are carried by ctx instead, mirroring the provider base's reliance
// on request context rather than a fixed client timeout.
func NewHTTPGenerator(baseURL string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGenerator{client: client, baseURL: baseURL}
}

func (g *HTTPGenerator) Generate(ctx context.Context, model string, req *Request, cred keyregistry.Credential) (*StreamResponse, error) {
	body, err := marshalRequest(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", string(cred))

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: generate: %w", err)
	}

	return &StreamResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

func (g *HTTPGenerator) Verify(ctx context.Context, model string, cred keyregistry.Credential) (int, error) {
	probe := &Request{Contents: []Turn{{Role: "user", Parts: []Part{{Text: "hi"}}}}}
	body, err := marshalRequest(probe)
	if err != nil {
		return 0, fmt.Errorf("upstream: marshal verify probe: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("upstream: build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", string(cred))

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("upstream: verify: %w", err)
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func marshalRequest(req *Request) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"contents":[`)
	for i, t := range req.Contents {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"role":%q,"parts":[`, t.Role)
		for j, p := range t.Parts {
			if j > 0 {
				buf.WriteByte(',')
			}
			if p.Thought {
				fmt.Fprintf(&buf, `{"text":%q,"thought":true}`, p.Text)
			} else {
				fmt.Fprintf(&buf, `{"text":%q}`, p.Text)
			}
		}
		buf.WriteString(`]}`)
	}
	buf.WriteString(`]}`)
	return buf.Bytes(), nil
}

// SSELine is one parsed "data: {...}" line from an upstream stream.
type SSELine struct {
	Text         string
	Thought      bool
	FinishReason string
	BlockReason  string
	HasFinish    bool
	HasBlock     bool
}

// ScanSSE reads lines from body, extracting the JSON envelope from
// every line matching the upstream's `^data: {` grammar, and invokes
// onLine for each. Returns when body is exhausted or ctx is done.
func ScanSSE(ctx context.Context, body io.Reader, onLine func(SSELine)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: {")) {
			continue
		}
		payload := bytes.TrimPrefix(line, []byte("data: "))

		onLine(parseSSELine(payload))
	}

	return scanner.Err()
}

func parseSSELine(payload []byte) SSELine {
	root := gjson.ParseBytes(payload)
	candidate := root.Get("candidates.0")

	var out SSELine
	if fr := candidate.Get("finishReason"); fr.Exists() {
		out.HasFinish = true
		out.FinishReason = fr.String()
	}
	if br := root.Get("promptFeedback.blockReason"); br.Exists() {
		out.HasBlock = true
		out.BlockReason = br.String()
	}

	part := candidate.Get("content.parts.0")
	out.Text = part.Get("text").String()
	out.Thought = part.Get("thought").Bool()

	return out
}

// verifyTimeout bounds how long a single verification probe may take
// before its context is considered expired by the caller.
const verifyTimeout = 15 * time.Second

// VerifyTimeout exposes verifyTimeout for callers constructing the
// context passed to Verify.
func VerifyTimeout() time.Duration { return verifyTimeout }
