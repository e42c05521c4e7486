package claude

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-3-5-haiku-20241022"
	anthropicVersion = "2023-06-01"
)

type ClaudeProvider struct {
	opts   provider.Options
	url    string
	client *http.Client
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Content    []claudeBlock `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      claudeUsage   `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func New(opts provider.Options) *ClaudeProvider {
	if opts.ID == "" {
		opts.ID = "claude"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	return &ClaudeProvider{
		opts:   opts,
		url:    opts.URL(defaultBaseURL, "/messages"),
		client: opts.Client(),
	}
}

func (p *ClaudeProvider) Name() string {
	return p.opts.ID
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	headers := map[string]string{
		"x-api-key":         p.opts.APIKey,
		"anthropic-version": anthropicVersion,
	}

	var out claudeResponse
	if err := provider.DoJSON(ctx, p.client, p.Name(), http.MethodPost, p.url, headers, p.mapRequest(req), &out); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if len(out.Content) == 0 {
		return nil, &provider.Error{Kind: provider.KindUnknown, Provider: p.Name(), Message: "response contained no content"}
	}

	return &provider.Response{
		ID:               out.ID,
		Content:          text.String(),
		Provider:         p.Name(),
		Model:            out.Model,
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		FinishReason:     out.StopReason,
		Latency:          time.Since(start),
	}, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	blocks := make([]claudeBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, claudeBlock{Type: "image", Source: imageSource(img)})
	}
	blocks = append(blocks, claudeBlock{Type: "text", Text: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = provider.DefaultMaxTokens
	}

	return claudeRequest{
		Model:       req.ResolveModel(p.opts.DefaultModel),
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Messages:    []claudeMessage{{Role: "user", Content: blocks}},
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

// imageSource accepts either a data URI or a plain URL.
func imageSource(img string) *claudeSource {
	if rest, ok := strings.CutPrefix(img, "data:"); ok {
		mediaType, data, found := strings.Cut(rest, ";base64,")
		if found {
			return &claudeSource{Type: "base64", MediaType: mediaType, Data: data}
		}
	}
	return &claudeSource{Type: "url", URL: img}
}

func (p *ClaudeProvider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	if len(p.opts.Models) > 0 {
		return p.opts.Catalog(), nil
	}
	return []provider.ModelDescriptor{{Name: p.opts.DefaultModel, Provider: p.Name(), Vision: true}}, nil
}

func (p *ClaudeProvider) HealthProbe(ctx context.Context) error {
	_, err := p.Complete(ctx, provider.PingRequest(p.opts.DefaultModel))
	return err
}
