package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config addresses an OpenAI-compatible chat.completions endpoint.
type Config struct {
	Provider     string
	APIKey       string
	BaseURL      string
	Path         string
	Model        string
	Temperature  *float64
	MaxTokens    int
	ExtraHeaders map[string]string
}

// Client issues non-streaming chat.completions requests.
type Client struct {
	cfg  Config
	http *http.Client
}

const (
	defaultRequestTimeout = 10 * time.Minute
	maxResponseBytes      = 8 << 20
)

func NewClient(cfg Config) *Client {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = "/v1/chat/completions"
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: 0}}
}

// WithHTTPClient replaces the transport, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) Provider() string { return c.cfg.Provider }

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	System string
	Prompt string
	// Model overrides Config.Model when set.
	Model string
}

type Usage struct {
	InputTokens  int `json:"prompt_tokens"`
	OutputTokens int `json:"completion_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type Response struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	Usage        Usage
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	requestCtx, cancel := withDefaultRequestDeadline(ctx)
	defer cancel()

	body, err := c.requestBody(req)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return Response{}, wrapTransportError(c.cfg.Provider, err)
	}
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, wrapTransportError(c.cfg.Provider, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return c.parseResponse(resp)
}

func (c *Client) requestBody(req Request) ([]byte, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.cfg.Model
	}
	if model == "" {
		return nil, fmt.Errorf("%s: model is required", c.cfg.Provider)
	}
	msgs := make([]Message, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: req.Prompt})
	body := map[string]any{
		"model":    model,
		"messages": msgs,
	}
	if c.cfg.Temperature != nil {
		body["temperature"] = *c.cfg.Temperature
	}
	if c.cfg.MaxTokens > 0 {
		body["max_tokens"] = c.cfg.MaxTokens
	}
	return json.Marshal(body)
}

type chatCompletion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) parseResponse(resp *http.Response) (Response, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, wrapTransportError(c.cfg.Provider, err)
	}
	var doc chatCompletion
	decodeErr := json.Unmarshal(raw, &doc)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := "chat.completions failed"
		if decodeErr == nil && doc.Error != nil && strings.TrimSpace(doc.Error.Message) != "" {
			msg = doc.Error.Message
		} else if s := strings.TrimSpace(string(raw)); s != "" && len(s) < 512 {
			msg = s
		}
		ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return Response{}, ErrorFromHTTPStatus(c.cfg.Provider, resp.StatusCode, msg, ra)
	}
	if decodeErr != nil {
		return Response{}, &Error{Provider: c.cfg.Provider, Kind: KindMalformed, Message: decodeErr.Error(), retryable: true, err: decodeErr}
	}
	if len(doc.Choices) == 0 || doc.Choices[0].Message.Content == nil {
		return Response{}, &Error{Provider: c.cfg.Provider, Kind: KindMalformed, Message: "chat.completions response missing choices", retryable: true}
	}
	return Response{
		ID:           doc.ID,
		Model:        doc.Model,
		Text:         *doc.Choices[0].Message.Content,
		FinishReason: doc.Choices[0].FinishReason,
		Usage:        doc.Usage,
	}, nil
}

func withDefaultRequestDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), defaultRequestTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}
