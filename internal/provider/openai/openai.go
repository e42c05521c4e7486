package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

// Vendor endpoints speaking the OpenAI chat completions dialect.
var defaults = map[string]struct {
	baseURL string
	model   string
}{
	"openai":   {"https://api.openai.com/v1", "gpt-4o-mini"},
	"deepseek": {"https://api.deepseek.com/v1", "deepseek-chat"},
	"qwen":     {"https://dashscope.aliyuncs.com/compatible-mode/v1", "qwen-plus"},
	"kimi":     {"https://api.moonshot.cn/v1", "moonshot-v1-8k"},
	"glm":      {"https://open.bigmodel.cn/api/paas/v4", "glm-5"},
	"local":    {"http://localhost:11434/v1", "llama3.2"},
}

func Supports(kind string) bool {
	_, ok := defaults[kind]
	return ok
}

type OpenAIProvider struct {
	opts    provider.Options
	kind    string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p,omitempty"`
}

// Content is either a plain string or a list of parts for vision input.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIReplyMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

type openAIReplyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// New builds an adapter for an OpenAI-compatible vendor kind.
func New(kind string, opts provider.Options) (*OpenAIProvider, error) {
	d, ok := defaults[kind]
	if !ok {
		return nil, fmt.Errorf("openai: unsupported kind %q", kind)
	}
	if opts.ID == "" {
		opts.ID = kind
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = d.model
	}
	return &OpenAIProvider{
		opts:    opts,
		kind:    kind,
		baseURL: strings.TrimRight(opts.URL(d.baseURL, ""), "/"),
		client:  opts.Client(),
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.opts.ID
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	var out openAIResponse
	url := p.baseURL + "/chat/completions"
	if err := provider.DoJSON(ctx, p.client, p.Name(), http.MethodPost, url, p.headers(), p.mapRequest(req), &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, &provider.Error{Kind: provider.KindUnknown, Provider: p.Name(), Message: "response contained no choices"}
	}

	model := out.Model
	if model == "" {
		model = req.ResolveModel(p.opts.DefaultModel)
	}
	return &provider.Response{
		ID:               out.ID,
		Content:          out.Choices[0].Message.Content,
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
		FinishReason:     out.Choices[0].FinishReason,
		Latency:          time.Since(start),
	}, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	var messages []openAIMessage
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}

	if len(req.Images) == 0 {
		messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})
	} else {
		parts := []openAIPart{{Type: "text", Text: req.Prompt}}
		for _, img := range req.Images {
			parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: img}})
		}
		messages = append(messages, openAIMessage{Role: "user", Content: parts})
	}

	return openAIRequest{
		Model:       req.ResolveModel(p.opts.DefaultModel),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

func (p *OpenAIProvider) headers() map[string]string {
	if p.opts.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.opts.APIKey}
}

// ListModels returns the configured catalog, or the vendor's /models listing
// when none is configured.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	if len(p.opts.Models) > 0 {
		return p.opts.Catalog(), nil
	}
	var out openAIModelList
	if err := provider.DoJSON(ctx, p.client, p.Name(), http.MethodGet, p.baseURL+"/models", p.headers(), nil, &out); err != nil {
		return nil, err
	}
	models := make([]provider.ModelDescriptor, 0, len(out.Data))
	for _, m := range out.Data {
		models = append(models, provider.ModelDescriptor{Name: m.ID, Provider: p.Name()})
	}
	return models, nil
}

func (p *OpenAIProvider) HealthProbe(ctx context.Context) error {
	_, err := p.Complete(ctx, provider.PingRequest(p.opts.DefaultModel))
	return err
}
