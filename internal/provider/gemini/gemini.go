package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"
)

type GeminiProvider struct {
	opts    provider.Options
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *geminiBlob     `json:"inlineData,omitempty"`
	FileData   *geminiFileData `json:"fileData,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
	ModelVersion  string              `json:"modelVersion"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiModelList struct {
	Models []struct {
		Name             string `json:"name"`
		InputTokenLimit  int    `json:"inputTokenLimit"`
		OutputTokenLimit int    `json:"outputTokenLimit"`
	} `json:"models"`
}

func New(opts provider.Options) *GeminiProvider {
	if opts.ID == "" {
		opts.ID = "gemini"
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = defaultModel
	}
	return &GeminiProvider{
		opts:    opts,
		baseURL: opts.URL(defaultBaseURL, ""),
		client:  opts.Client(),
	}
}

func (p *GeminiProvider) Name() string {
	return p.opts.ID
}

func (p *GeminiProvider) headers() map[string]string {
	return map[string]string{"x-goog-api-key": p.opts.APIKey}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	model := req.ResolveModel(p.opts.DefaultModel)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, model)

	var out geminiResponse
	if err := provider.DoJSON(ctx, p.client, p.Name(), http.MethodPost, url, p.headers(), p.mapRequest(req), &out); err != nil {
		return nil, err
	}

	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, &provider.Error{Kind: provider.KindUnknown, Provider: p.Name(), Message: "response contained no candidates"}
	}

	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	usage := out.UsageMetadata
	total := usage.TotalTokenCount
	if total == 0 {
		total = usage.PromptTokenCount + usage.CandidatesTokenCount
	}

	return &provider.Response{
		Content:          text.String(),
		Provider:         p.Name(),
		Model:            model,
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      total,
		FinishReason:     strings.ToLower(out.Candidates[0].FinishReason),
		Latency:          time.Since(start),
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, img := range req.Images {
		parts = append(parts, imagePart(img))
	}

	out := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
		},
	}
	if req.SystemPrompt != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return out
}

func imagePart(img string) geminiPart {
	if rest, ok := strings.CutPrefix(img, "data:"); ok {
		if mime, data, found := strings.Cut(rest, ";base64,"); found {
			return geminiPart{InlineData: &geminiBlob{MimeType: mime, Data: data}}
		}
	}
	return geminiPart{FileData: &geminiFileData{FileURI: img}}
}

func (p *GeminiProvider) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	if len(p.opts.Models) > 0 {
		return p.opts.Catalog(), nil
	}
	var out geminiModelList
	if err := provider.DoJSON(ctx, p.client, p.Name(), http.MethodGet, p.baseURL+"/v1beta/models", p.headers(), nil, &out); err != nil {
		return nil, err
	}
	models := make([]provider.ModelDescriptor, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, provider.ModelDescriptor{
			Name:          strings.TrimPrefix(m.Name, "models/"),
			Provider:      p.Name(),
			MaxTokens:     m.OutputTokenLimit,
			ContextLength: m.InputTokenLimit,
		})
	}
	return models, nil
}

func (p *GeminiProvider) HealthProbe(ctx context.Context) error {
	_, err := p.Complete(ctx, provider.PingRequest(p.opts.DefaultModel))
	return err
}
