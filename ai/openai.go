package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/route"
)

// ModelInvoker implements Invoker against an OpenAI-compatible chat
// completions endpoint. Responses are streamed so cancellation is
// observed between chunks and coarse progress can be reported while the
// model writes the itinerary.
type ModelInvoker struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	logger      core.Logger
}

// NewModelInvoker creates an invoker from deployment configuration.
func NewModelInvoker(cfg core.AIConfig, logger core.Logger) *ModelInvoker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &ModelInvoker{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      core.ComponentLogger(logger, "ai/invoker"),
	}
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float32           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	Stream         bool              `json:"stream"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Generate performs one streamed model call. It never retries.
func (m *ModelInvoker) Generate(ctx context.Context, prompt Prompt, onProgress ProgressFunc) (*route.Document, *Failure) {
	if m.apiKey == "" {
		return nil, &Failure{Kind: FailModelError, Message: "model endpoint is not configured"}
	}

	reqBody := chatRequest{
		Model:          m.model,
		Temperature:    m.temperature,
		MaxTokens:      m.maxTokens,
		Stream:         true,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if prompt.System != "" {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "system", Content: prompt.System})
	}
	reqBody.Messages = append(reqBody.Messages, chatMessage{Role: "user", Content: prompt.User})

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Failure{Kind: FailModelError, Message: "failed to prepare model request"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, &Failure{Kind: FailModelError, Message: "failed to build model request"}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, m.classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, m.classifyStatus(resp)
	}

	content, fail := m.readStream(ctx, resp.Body, onProgress)
	if fail != nil {
		return nil, fail
	}

	if m.logger != nil {
		m.logger.Debug("Model stream complete", map[string]interface{}{
			"model":          m.model,
			"duration_ms":    time.Since(start).Milliseconds(),
			"content_length": len(content),
		})
	}

	doc, fail := ParseDocument(content)
	if fail != nil {
		if m.logger != nil {
			m.logger.Warn("Model output rejected", map[string]interface{}{
				"model":  m.model,
				"reason": fail.Message,
			})
		}
		return nil, fail
	}

	if onProgress != nil {
		onProgress(99)
	}
	return doc, nil
}

// readStream consumes SSE chunks, accumulating content and reporting
// estimated progress. Cancellation surfaces here as a read error whose
// cause is taken from ctx.
func (m *ModelInvoker) readStream(ctx context.Context, body io.Reader, onProgress ProgressFunc) (string, *Failure) {
	var content strings.Builder
	// Rough bound on the final content size, used only for progress.
	expected := m.maxTokens * 3

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", m.classifyTransport(ctx, err)
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // tolerate keepalive or vendor extensions
		}
		if len(chunk.Choices) > 0 {
			content.WriteString(chunk.Choices[0].Delta.Content)
		}

		if onProgress != nil && expected > 0 {
			pct := 5 + content.Len()*90/expected
			if pct > 95 {
				pct = 95
			}
			onProgress(pct)
		}
	}

	if err := scanner.Err(); err != nil {
		return "", m.classifyTransport(ctx, err)
	}

	return content.String(), nil
}

// ParseDocument turns raw model text into a Route Document. The text is
// stripped of code fences, checked against the route document schema,
// and only then decoded. Anything short of a complete document is
// FailInvalidOutput.
func ParseDocument(raw string) (*route.Document, *Failure) {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil, &Failure{Kind: FailInvalidOutput, Message: "model output contains no JSON object"}
	}

	var generic interface{}
	if err := json.Unmarshal([]byte(jsonText), &generic); err != nil {
		return nil, &Failure{Kind: FailInvalidOutput, Message: "model output is not valid JSON"}
	}
	if err := routeSchema.Validate(generic); err != nil {
		return nil, &Failure{Kind: FailInvalidOutput, Message: fmt.Sprintf("model output does not match the route contract: %v", err)}
	}

	var doc route.Document
	if err := json.Unmarshal([]byte(jsonText), &doc); err != nil {
		return nil, &Failure{Kind: FailInvalidOutput, Message: "model output could not be decoded"}
	}
	return &doc, nil
}

// extractJSON tolerates markdown fences and prose around the JSON body.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(s[start : end+1])
}

func (m *ModelInvoker) classifyTransport(ctx context.Context, err error) *Failure {
	switch {
	case ctx.Err() == context.Canceled:
		return &Failure{Kind: FailCancelled, Message: "generation was cancelled"}
	case ctx.Err() == context.DeadlineExceeded:
		return &Failure{Kind: FailTimeout, Message: "the model did not answer in time"}
	default:
		if m.logger != nil {
			m.logger.Warn("Model transport error", map[string]interface{}{
				"model": m.model,
				"error": err.Error(),
			})
		}
		return &Failure{Kind: FailNetwork, Message: "could not reach the model endpoint"}
	}
}

func (m *ModelInvoker) classifyStatus(resp *http.Response) *Failure {
	// Drain a bounded amount so the connection can be reused. The body
	// is never surfaced to callers.
	_, _ = io.CopyN(io.Discard, resp.Body, 4096)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f := &Failure{Kind: FailRateLimited, Message: "the model endpoint is rate limiting requests"}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				f.RetryHint = time.Duration(secs) * time.Second
			}
		}
		return f
	case resp.StatusCode >= 500:
		return &Failure{Kind: FailModelError, Message: fmt.Sprintf("the model endpoint failed (status %d)", resp.StatusCode)}
	default:
		return &Failure{Kind: FailModelError, Message: fmt.Sprintf("the model endpoint rejected the request (status %d)", resp.StatusCode)}
	}
}
