package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model     string
	Character string
	Messages  []Message
}

type chatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	rc *resty.Client
}

// NewClient leaves the http timeout unset; callers bound each stream with
// their context instead.
func NewClient(baseURL, apiKey string) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetHeader("Accept", "text/event-stream")
	if strings.TrimSpace(apiKey) != "" {
		rc.SetAuthToken(apiKey)
	}
	return &Client{rc: rc}
}

// StreamCompletion starts a streaming completion and returns the raw body.
// The caller must close it.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest) (io.ReadCloser, error) {
	r := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(chatReq{Model: req.Model, Messages: req.Messages, Stream: true}).
		SetDoNotParseResponse(true)
	if req.Character != "" {
		r.SetHeader("X-Character-Ref", req.Character)
	}

	resp, err := r.Post("/chat/completions")
	if err != nil {
		return nil, errors.Wrap(err, "upstream request")
	}
	body := resp.RawBody()

	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		defer body.Close()
		b, _ := io.ReadAll(io.LimitReader(body, 4*1024))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return nil, errors.Errorf("upstream: %s", msg)
	}
	return body, nil
}
