package llm

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

// Completer is the subset of Client used by Capability.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Capability serves the text-generation operations of the refinement
// pipeline by rendering a prompt and calling a chat model.
type Capability struct {
	Client  Completer
	Prompts *Prompts
	// Task is the problem description included in every prompt.
	Task   string
	Logger *slog.Logger
}

var ErrNoCode = errors.New("response contains no code")

func (c *Capability) Invoke(ctx context.Context, operationID string, in capability.Payload) (capability.Payload, error) {
	if !c.Prompts.Has(operationID) {
		return capability.Payload{}, &capability.UnknownOperationError{Operation: operationID}
	}
	prompt, err := c.Prompts.Render(operationID, c.Task, in.Text, in.Vars)
	if err != nil {
		return capability.Payload{}, err
	}
	resp, err := c.Client.Complete(ctx, Request{System: systemPrompt, Prompt: prompt})
	if err != nil {
		return capability.Payload{}, err
	}
	if c.Logger != nil {
		c.Logger.Debug("completion",
			slog.String("operation", operationID),
			slog.Int("input_tokens", resp.Usage.InputTokens),
			slog.Int("output_tokens", resp.Usage.OutputTokens),
			slog.String("finish_reason", resp.FinishReason),
		)
	}
	text := resp.Text
	if codeOperations[operationID] {
		code, ok := ExtractCode(text)
		if !ok {
			return capability.Payload{}, ErrNoCode
		}
		text = code
	}
	return capability.Payload{Text: text}, nil
}

var fenceRE = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)\r?\n?```")

// ExtractCode returns the first python (or untagged) fenced block in text.
// A response without fences is taken as code when it is not empty.
func ExtractCode(text string) (string, bool) {
	var fallback string
	for _, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		lang := strings.ToLower(m[1])
		body := strings.TrimRight(m[2], " \t\r\n")
		if strings.TrimSpace(body) == "" {
			continue
		}
		switch lang {
		case "python", "py", "python3", "":
			return body, true
		}
		if fallback == "" {
			fallback = body
		}
	}
	if fallback != "" {
		return fallback, true
	}
	if strings.Contains(text, "```") {
		return "", false
	}
	trimmed := strings.TrimSpace(text)
	return trimmed, trimmed != ""
}
