// Package config owns the gateway's declarative configuration document.
//
// The document is a YAML file holding the local admission key, routing
// preferences, and the upstream provider list. It is the single source of
// truth: the store (store.go) loads it, validates it, publishes immutable
// snapshots to the rest of the gateway, polls it for changes, and writes
// admin edits back atomically.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the document omits a field.
const (
	DefaultModelTimeout   = 20 * time.Second
	DefaultCooldownPeriod = 300 * time.Second
	DefaultModelsEndpoint = "/v1/models"
)

// Document is the parsed configuration file.
type Document struct {
	// APIKey is the local admission credential callers must present.
	// It is never forwarded upstream and never logged.
	APIKey string

	Preferences Preferences

	// Providers in file order. Order does not affect routing; priority does.
	Providers []Provider
}

// Preferences are the routing knobs shared by all providers.
type Preferences struct {
	// ModelTimeout bounds each upstream attempt.
	ModelTimeout time.Duration

	// CooldownPeriod is how long a failing provider is skipped.
	// Zero disables cooldown entirely.
	CooldownPeriod time.Duration

	// Proxy is an optional HTTP/HTTPS proxy URL for all upstream traffic.
	Proxy string

	// RetryOn429 treats upstream 429 as a fail-over trigger (the default).
	// When false a 429 is forwarded to the caller like any other 4xx.
	RetryOn429 bool
}

// Provider is one upstream entry.
type Provider struct {
	// Name uniquely identifies the provider within the document.
	Name string

	// BaseURL is the upstream origin; the inbound path and query are
	// appended to it unchanged.
	BaseURL string

	// APIKey is the upstream credential substituted into forwarded
	// requests. Never logged.
	APIKey string

	// Priority orders candidates; larger is preferred. Default 0.
	Priority int

	// Enabled is the hard switch. Default true.
	Enabled bool

	// ModelsEndpoint is the relative path used to discover models when
	// Models is empty. Default "/v1/models".
	ModelsEndpoint string

	// Models lists supported model patterns and aliases. Empty means
	// "discover from ModelsEndpoint".
	Models []ModelEntry
}

// ModelEntry is one item of a provider's model list: either a bare
// wildcard pattern ("gpt-4*") or an alias mapping {alias: upstream-id}.
type ModelEntry struct {
	// Pattern is matched against the requested model name. Supports
	// case-sensitive * and ? wildcards at any position.
	Pattern string

	// Upstream is the effective model id for alias entries. Empty for
	// bare patterns.
	Upstream string
}

// IsAlias reports whether the entry rewrites the model name.
func (e ModelEntry) IsAlias() bool { return e.Upstream != "" }

// IsWildcard reports whether the pattern contains wildcard metacharacters.
// Wildcard entries are excluded from the model catalog.
func (e ModelEntry) IsWildcard() bool {
	return strings.ContainsAny(e.Pattern, "*?")
}

// NormalizedBaseURL returns BaseURL without a trailing slash.
func (p *Provider) NormalizedBaseURL() string {
	return strings.TrimRight(p.BaseURL, "/")
}

// NormalizedModelsEndpoint returns ModelsEndpoint with a leading slash,
// falling back to the default when blank.
func (p *Provider) NormalizedModelsEndpoint() string {
	ep := strings.TrimSpace(p.ModelsEndpoint)
	if ep == "" {
		ep = DefaultModelsEndpoint
	}
	if !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	return ep
}

// Fingerprint identifies the provider entry's full configuration. The
// pool resets a provider's runtime state (cooldown, discovered models)
// when its fingerprint changes across a reload.
func (p *Provider) Fingerprint() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%t|%s", p.Name, p.BaseURL, p.APIKey, p.Priority, p.Enabled, p.NormalizedModelsEndpoint())
	for _, m := range p.Models {
		fmt.Fprintf(&b, "|%s=%s", m.Pattern, m.Upstream)
	}
	return b.String()
}

// ── YAML wire forms ──────────────────────────────────────────────────────

type documentYAML struct {
	APIKey      string          `yaml:"api_key"`
	Preferences preferencesYAML `yaml:"preferences,omitempty"`
	Providers   []providerYAML  `yaml:"providers"`
}

type preferencesYAML struct {
	ModelTimeout   *float64 `yaml:"model_timeout,omitempty"`
	CooldownPeriod *float64 `yaml:"cooldown_period,omitempty"`
	Proxy          string   `yaml:"proxy,omitempty"`
	RetryOn429     *bool    `yaml:"retry_on_429,omitempty"`
}

type providerYAML struct {
	Provider       string       `yaml:"provider"`
	BaseURL        string       `yaml:"base_url"`
	APIKey         string       `yaml:"api_key"`
	Priority       int          `yaml:"priority,omitempty"`
	Enabled        *bool        `yaml:"enabled,omitempty"`
	ModelsEndpoint string       `yaml:"models_endpoint,omitempty"`
	Models         []ModelEntry `yaml:"model,omitempty"`
}

// UnmarshalYAML accepts either a bare scalar pattern or a single-key
// mapping {alias: upstream-id}.
func (e *ModelEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return fmt.Errorf("model entry must be a non-empty string")
		}
		e.Pattern = node.Value
		return nil
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("model alias entry must have exactly one key")
		}
		key, val := node.Content[0], node.Content[1]
		if key.Kind != yaml.ScalarNode || val.Kind != yaml.ScalarNode || key.Value == "" || val.Value == "" {
			return fmt.Errorf("model alias entry must map a non-empty alias to a non-empty model id")
		}
		e.Pattern = key.Value
		e.Upstream = val.Value
		return nil
	default:
		return fmt.Errorf("model entry must be a string or a single-key mapping")
	}
}

// MarshalYAML emits the same shape UnmarshalYAML accepts.
func (e ModelEntry) MarshalYAML() (any, error) {
	if e.Upstream == "" {
		return e.Pattern, nil
	}
	return map[string]string{e.Pattern: e.Upstream}, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Document, error) {
	var raw documentYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid yaml: %w", err)
	}

	doc := &Document{
		APIKey: strings.TrimSpace(raw.APIKey),
		Preferences: Preferences{
			ModelTimeout:   DefaultModelTimeout,
			CooldownPeriod: DefaultCooldownPeriod,
			Proxy:          strings.TrimSpace(raw.Preferences.Proxy),
			RetryOn429:     true,
		},
	}
	if raw.Preferences.ModelTimeout != nil {
		doc.Preferences.ModelTimeout = secondsToDuration(*raw.Preferences.ModelTimeout)
	}
	if raw.Preferences.CooldownPeriod != nil {
		doc.Preferences.CooldownPeriod = secondsToDuration(*raw.Preferences.CooldownPeriod)
	}
	if raw.Preferences.RetryOn429 != nil {
		doc.Preferences.RetryOn429 = *raw.Preferences.RetryOn429
	}

	for _, p := range raw.Providers {
		enabled := true
		if p.Enabled != nil {
			enabled = *p.Enabled
		}
		doc.Providers = append(doc.Providers, Provider{
			Name:           p.Provider,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			Priority:       p.Priority,
			Enabled:        enabled,
			ModelsEndpoint: p.ModelsEndpoint,
			Models:         p.Models,
		})
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Marshal serializes the document back to its YAML wire form.
func (d *Document) Marshal() ([]byte, error) {
	mt := d.Preferences.ModelTimeout.Seconds()
	cd := d.Preferences.CooldownPeriod.Seconds()
	r429 := d.Preferences.RetryOn429
	raw := documentYAML{
		APIKey: d.APIKey,
		Preferences: preferencesYAML{
			ModelTimeout:   &mt,
			CooldownPeriod: &cd,
			Proxy:          d.Preferences.Proxy,
			RetryOn429:     &r429,
		},
	}
	for _, p := range d.Providers {
		enabled := p.Enabled
		raw.Providers = append(raw.Providers, providerYAML{
			Provider:       p.Name,
			BaseURL:        p.BaseURL,
			APIKey:         p.APIKey,
			Priority:       p.Priority,
			Enabled:        &enabled,
			ModelsEndpoint: p.ModelsEndpoint,
			Models:         p.Models,
		})
	}
	return yaml.Marshal(&raw)
}

// Validate checks the semantic constraints a well-formed document must
// satisfy. A failed validation rejects the document; it never affects a
// previously published snapshot.
func (d *Document) Validate() error {
	if d.APIKey == "" {
		return fmt.Errorf("config: api_key must be a non-empty string")
	}
	if d.Preferences.ModelTimeout <= 0 {
		return fmt.Errorf("config: model_timeout must be greater than zero")
	}
	if d.Preferences.CooldownPeriod < 0 {
		return fmt.Errorf("config: cooldown_period must be zero or greater")
	}
	if d.Preferences.Proxy != "" {
		if err := validateURL(d.Preferences.Proxy); err != nil {
			return fmt.Errorf("config: invalid proxy url: %w", err)
		}
	}
	if len(d.Providers) == 0 {
		return fmt.Errorf("config: at least one provider must be configured under 'providers'")
	}

	seen := make(map[string]bool, len(d.Providers))
	for i := range d.Providers {
		p := &d.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: provider at index %d must have a non-empty name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %s: base_url must be a non-empty string", p.Name)
		}
		if err := validateURL(p.BaseURL); err != nil {
			return fmt.Errorf("config: provider %s: invalid base_url: %w", p.Name, err)
		}
		if p.APIKey == "" {
			return fmt.Errorf("config: provider %s: api_key must be a non-empty string", p.Name)
		}
		for _, m := range p.Models {
			if m.Pattern == "" {
				return fmt.Errorf("config: provider %s: model entries must be non-empty", p.Name)
			}
		}
	}
	return nil
}

// Provider returns the named provider entry, or nil.
func (d *Document) Provider(name string) *Provider {
	for i := range d.Providers {
		if d.Providers[i].Name == name {
			return &d.Providers[i]
		}
	}
	return nil
}

// Clone returns a deep copy safe to mutate before a Store.Write.
func (d *Document) Clone() *Document {
	out := *d
	out.Providers = make([]Provider, len(d.Providers))
	for i, p := range d.Providers {
		out.Providers[i] = p
		out.Providers[i].Models = append([]ModelEntry(nil), p.Models...)
	}
	return &out
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
