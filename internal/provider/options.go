package provider

import (
	"net/http"
	"sort"
	"strings"
)

// Options configures a concrete adapter.
type Options struct {
	ID           string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []ModelDescriptor
	HTTPClient   *http.Client
}

func (o Options) Client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return NewHTTPClient()
}

// URL joins BaseURL (or fallback when empty) with path.
func (o Options) URL(fallback, path string) string {
	base := o.BaseURL
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/") + path
}

// Catalog returns the configured models tagged with the adapter id, sorted
// by name.
func (o Options) Catalog() []ModelDescriptor {
	out := make([]ModelDescriptor, len(o.Models))
	for i, m := range o.Models {
		m.Provider = o.ID
		out[i] = m
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckCapability reports ErrUnsupported when model is absent from a
// non-empty catalog, or when images are sent and the model lacks vision.
// An empty catalog accepts any text model.
func CheckCapability(providerName string, models []ModelDescriptor, model string, images bool) error {
	if len(models) == 0 {
		if images {
			return Unsupported(providerName, "no vision model configured")
		}
		return nil
	}
	for _, m := range models {
		if m.Name != model {
			continue
		}
		if images && !m.Vision {
			return Unsupported(providerName, "model %q does not accept images", model)
		}
		return nil
	}
	return Unsupported(providerName, "model %q not in catalog", model)
}
