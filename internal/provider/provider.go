package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-playground/validator/v10"
)

// DefaultModel asks the serving provider to use its configured default model.
const DefaultModel = "default"

const (
	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

type Request struct {
	Prompt       string   `json:"prompt" validate:"required"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty" validate:"gte=1"`
	Temperature  float64  `json:"temperature" validate:"gte=0,lte=2"`
	TopP         float64  `json:"top_p" validate:"gte=0,lte=1"`
	Images       []string `json:"images,omitempty" validate:"dive,required"` // URLs or data URIs
	// Routing hints
	Provider string `json:"provider,omitempty"`
	NoCache  bool   `json:"no_cache,omitempty"`
	ID       string `json:"-"`
}

// NewRequest returns a Request carrying the standard sampling defaults.
func NewRequest(prompt string) *Request {
	return &Request{
		Prompt:      prompt,
		Model:       DefaultModel,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
	}
}

// ApplyDefaults fills zero-valued fields that have no meaningful zero.
func (r *Request) ApplyDefaults() {
	if r.Model == "" {
		r.Model = DefaultModel
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return &Error{Kind: KindInvalidRequest, Message: err.Error(), Err: err}
	}
	return nil
}

// Fingerprint identifies the semantic content of a request. Routing hints
// are not part of it.
func (r *Request) Fingerprint() string {
	var b strings.Builder
	field := func(s string) {
		fmt.Fprintf(&b, "%d:%s|", len(s), s)
	}
	field(normalize(r.Prompt))
	field(normalize(r.SystemPrompt))
	field(r.Model)
	fmt.Fprintf(&b, "t=%g|p=%g|m=%d|", r.Temperature, r.TopP, r.MaxTokens)
	for _, img := range r.Images {
		field(img)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// ResolveModel maps the "default" alias onto the given fallback.
func (r *Request) ResolveModel(fallback string) string {
	if r.Model == "" || r.Model == DefaultModel {
		return fallback
	}
	return r.Model
}

type Response struct {
	ID               string        `json:"id"`
	RequestID        string        `json:"request_id,omitempty"`
	Content          string        `json:"content"`
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	FinishReason     string        `json:"finish_reason,omitempty"`
	Latency          time.Duration `json:"latency"`
	Cost             float64       `json:"cost"`
	CacheHit         bool          `json:"cache_hit"`
	Attempts         int           `json:"attempts"`
}

// Tokens returns TotalTokens, falling back to the prompt/completion sum
// for vendors that omit the total.
func (r *Response) Tokens() int {
	if r.TotalTokens > 0 {
		return r.TotalTokens
	}
	return r.PromptTokens + r.CompletionTokens
}

type ModelDescriptor struct {
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	MaxTokens     int     `json:"max_tokens,omitempty"`
	ContextLength int     `json:"context_length,omitempty"`
	TokenRate     float64 `json:"token_rate,omitempty"`
	Vision        bool    `json:"vision,omitempty"`
}

// Adapter is implemented by every vendor backend.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	ListModels(ctx context.Context) ([]ModelDescriptor, error)
	// HealthProbe issues the cheapest call the vendor accepts.
	HealthProbe(ctx context.Context) error
}

// PingRequest is the minimal completion used for health probes.
func PingRequest(model string) *Request {
	return &Request{
		Prompt:      "ping",
		Model:       model,
		MaxTokens:   1,
		Temperature: 0,
		TopP:        1,
	}
}
