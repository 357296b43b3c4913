package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/cory-johannsen/farmstead/internal/config"
)

const defaultOpenAITimeout = 30 * time.Second

// OpenAI generates dialogue through an OpenAI-compatible chat completions
// endpoint (Groq, OpenAI, local gateways).
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	http    *fasthttp.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// NewOpenAI creates an OpenAI-compatible backend.
//
// Postcondition: Returns a non-nil *OpenAI.
func NewOpenAI(cfg config.GenerationConfig) *OpenAI {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOpenAITimeout
	}
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		http: &fasthttp.Client{
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: 64,
		},
	}
}

// Generate posts req to {baseURL}/chat/completions and returns the first choice.
func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	if o.apiKey == "" {
		return "", ErrNoCredential
	}

	body := chatCompletionRequest{
		Model:       o.model,
		Messages:    make([]chatMessage, 0, len(req.Turns)+1),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, t := range req.Turns {
		body.Messages = append(body.Messages, chatMessage{Role: string(t.Role), Content: t.Text})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(httpReq)
		fasthttp.ReleaseResponse(httpResp)
	}()

	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.SetRequestURI(o.baseURL + "/chat/completions")
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.SetBody(payload)

	if err := o.http.DoDeadline(httpReq, httpResp, o.deadline(ctx)); err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}

	status := httpResp.StatusCode()
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("generation api error: status=%d body=%s", status, truncate(string(httpResp.Body()), 512))
	}

	var out chatCompletionResponse
	if err := json.Unmarshal(httpResp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode response: %w: %w", ErrMalformedResponse, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices: %w", ErrMalformedResponse)
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty content: %w", ErrMalformedResponse)
	}
	return text, nil
}

func (o *OpenAI) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(o.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
