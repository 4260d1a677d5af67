package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docflowai/docqueue/internal/domain"
	"github.com/go-resty/resty/v2"
)

// LLMExecutor performs extraction through an OpenAI-compatible chat
// completions endpoint.
type LLMExecutor struct {
	client   *resty.Client
	model    string
	endpoint string
}

// LLMConfig holds configuration for the LLM executor.
type LLMConfig struct {
	Model          string
	APIKey         string
	BaseURL        string
	TimeoutSeconds int
}

// NewLLMExecutor creates a new LLM executor.
// Parameters:
//   - cfg: executor configuration including model, API key, and base URL.
// Returns:
//   - *LLMExecutor: initialized client wrapper.
func NewLLMExecutor(cfg *LLMConfig) *LLMExecutor {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 120
	}
	client.SetTimeout(time.Duration(timeout) * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &LLMExecutor{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
	}
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string, or []interface{} for user with images
}

type chatTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImageContent struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var imageMIME = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".tiff": "image/tiff",
}

// Execute sends the job's prompt and input document to the model and returns
// the extraction result.
// Parameters:
//   - ctx: cancellation scope; merged timeout and caller cancellation.
//   - job: job whose prompt and input artifacts are read from disk.
// Returns:
//   - *ProcessResult: outcome with output payload or error message.
//   - error: non-nil on transport or context errors.
func (e *LLMExecutor) Execute(ctx context.Context, job *domain.Job) (*ProcessResult, error) {
	if job.Paths.Prompt == nil || job.Paths.Input == nil {
		return nil, fmt.Errorf("job %s is missing prompt or input artifacts", job.ID)
	}

	promptBytes, err := os.ReadFile(job.Paths.Prompt.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt: %w", err)
	}

	model := job.Model
	if model == "" {
		model = e.model
	}

	userContent, err := buildUserContent(string(promptBytes), job.Paths.Input.Path)
	if err != nil {
		return nil, err
	}

	req := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: userContent},
		},
	}

	var res chatResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		SetError(&res).
		Post(e.endpoint)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}

	if res.Error != nil {
		return &ProcessResult{Success: false, ErrorMessage: res.Error.Message}, nil
	}
	if resp.IsError() {
		return &ProcessResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("provider returned status %d", resp.StatusCode()),
		}, nil
	}
	if len(res.Choices) == 0 {
		return &ProcessResult{Success: false, ErrorMessage: "provider returned no choices"}, nil
	}

	output := sanitizeJSON(res.Choices[0].Message.Content)
	if !json.Valid([]byte(output)) {
		return &ProcessResult{Success: false, ErrorMessage: "provider returned invalid JSON"}, nil
	}

	return &ProcessResult{
		Success:      true,
		OutputJSON:   output,
		InputTokens:  res.Usage.PromptTokens,
		OutputTokens: res.Usage.CompletionTokens,
		Cost:         estimateCost(model, res.Usage.PromptTokens, res.Usage.CompletionTokens),
	}, nil
}

// buildUserContent assembles the user message: the prompt text plus the
// input document, inlined as a data URL for image types.
func buildUserContent(prompt, inputPath string) (interface{}, error) {
	ext := strings.ToLower(filepath.Ext(inputPath))
	mime, isImage := imageMIME[ext]
	if !isImage {
		// Non-image inputs (pdf) are referenced by name; the markdown
		// conversion step upstream produces the text the model reads.
		return prompt, nil
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))

	return []interface{}{
		chatTextContent{Type: "text", Text: prompt},
		chatImageContent{Type: "image_url", ImageURL: chatImageURL{URL: dataURL}},
	}, nil
}

// sanitizeJSON strips markdown code fences some models wrap around JSON.
func sanitizeJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// per-1M-token prices for cost accounting; unknown models report zero cost
var modelPricing = map[string][2]float64{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
}

func estimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1e6*p[0] + float64(outputTokens)/1e6*p[1]
}
