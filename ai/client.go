package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/pkg/metrics"
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a completion engine client from configuration.
func NewClient(cfg config.AIConfig) (*Client, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}, nil
}

type chatTool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type chatRequest struct {
	Model      string     `json:"model"`
	Messages   []Message  `json:"messages"`
	Tools      []chatTool `json:"tools,omitempty"`
	ToolChoice any        `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CompleteWithFunctions invokes the engine in function-calling mode.
func (c *Client) CompleteWithFunctions(ctx context.Context, req FunctionRequest) (*FunctionCall, error) {
	tools := make([]chatTool, 0, len(req.Functions))
	byName := make(map[string]*Schema, len(req.Functions))
	for _, fn := range req.Functions {
		tools = append(tools, chatTool{Type: "function", Function: fn})
		byName[fn.Name] = fn.Parameters
	}

	call, err := c.complete(ctx, "function", chatRequest{
		Model:    c.model,
		Messages: withSystem(req.System, req.Messages),
		Tools:    tools,
	})
	if err != nil {
		return nil, err
	}

	schema, known := byName[call.Name]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, call.Name)
	}
	if err := ValidateArgs(schema, call.Arguments); err != nil {
		return nil, err
	}
	return call, nil
}

// CompleteStructured invokes the engine with a single forced function and
// returns its validated arguments.
func (c *Client) CompleteStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error) {
	fn := FunctionDefinition{Name: req.Name, Parameters: req.Schema}
	call, err := c.complete(ctx, "structured", chatRequest{
		Model:    c.model,
		Messages: withSystem(req.System, []Message{{Role: "user", Content: req.Prompt}}),
		Tools:    []chatTool{{Type: "function", Function: fn}},
		ToolChoice: map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.Name},
		},
	})
	if err != nil {
		return nil, err
	}
	if call.Name != req.Name {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, call.Name)
	}
	if err := ValidateArgs(req.Schema, call.Arguments); err != nil {
		return nil, err
	}
	return call.Arguments, nil
}

func (c *Client) complete(ctx context.Context, kind string, body chatRequest) (*FunctionCall, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	call, err := c.doRequest(ctx, body)
	metrics.AICallDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AICallsTotal.WithLabelValues(kind, "error").Inc()
		return nil, err
	}
	metrics.AICallsTotal.WithLabelValues(kind, "success").Inc()
	return call, nil
}

func (c *Client) doRequest(ctx context.Context, body chatRequest) (*FunctionCall, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("completion engine error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("completion engine returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 || len(parsed.Choices[0].Message.ToolCalls) == 0 {
		return nil, ErrNoFunctionCall
	}

	toolCall := parsed.Choices[0].Message.ToolCalls[0].Function
	return &FunctionCall{
		Name:      toolCall.Name,
		Arguments: json.RawMessage(toolCall.Arguments),
	}, nil
}

func withSystem(system string, messages []Message) []Message {
	if system == "" {
		return messages
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: system})
	return append(out, messages...)
}
