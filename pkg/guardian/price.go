package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

// Pricing is USD per thousand tokens for one model.
type Pricing struct {
	InputPerK  float64 `json:"input_per_k"`
	OutputPerK float64 `json:"output_per_k"`
}

// Cost prices a token pair.
func (p Pricing) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*p.InputPerK + float64(outputTokens)/1000*p.OutputPerK
}

// PriceProvider resolves model pricing. Providers are chained: the
// first one that knows the model wins.
type PriceProvider interface {
	Price(model string) (Pricing, bool)
}

// Chain tries providers in order: API, JSON document, environment,
// static table.
type Chain []PriceProvider

func (c Chain) Price(model string) (Pricing, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if pricing, ok := p.Price(model); ok {
			return pricing, true
		}
	}
	return Pricing{}, false
}

// DefaultChain is env over the static table; API and JSON providers are
// added by configuration.
func DefaultChain() Chain {
	return Chain{EnvProvider{}, DefaultStaticProvider()}
}

// StaticProvider is a fixed pricing table.
type StaticProvider map[string]Pricing

func (s StaticProvider) Price(model string) (Pricing, bool) {
	if p, ok := s[model]; ok {
		return p, true
	}
	if model == "" {
		p, ok := s["default"]
		return p, ok
	}
	return Pricing{}, false
}

// DefaultStaticProvider carries conservative list prices for the common
// model families plus a catch-all default.
func DefaultStaticProvider() StaticProvider {
	return StaticProvider{
		"gpt-4o":      {InputPerK: 0.0025, OutputPerK: 0.01},
		"gpt-4o-mini": {InputPerK: 0.00015, OutputPerK: 0.0006},
		"embedding":   {InputPerK: 0.0001, OutputPerK: 0},
		"default":     {InputPerK: 0.003, OutputPerK: 0.015},
	}
}

// BuildChain assembles the full resolution order: API, JSON, env,
// static. Nil providers are skipped.
func BuildChain(api *APIProvider, doc *JSONProvider) Chain {
	c := Chain{}
	if api != nil {
		c = append(c, api)
	}
	if doc != nil {
		c = append(c, doc)
	}
	return append(c, EnvProvider{}, DefaultStaticProvider())
}

// EnvProvider reads FAILCORE_PRICE_<MODEL>="input_per_k,output_per_k".
// Dashes and dots in the model name map to underscores.
type EnvProvider struct{}

func (EnvProvider) Price(model string) (Pricing, bool) {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(model))
	raw := os.Getenv("FAILCORE_PRICE_" + name)
	if raw == "" {
		return Pricing{}, false
	}
	var p Pricing
	if _, err := fmt.Sscanf(raw, "%f,%f", &p.InputPerK, &p.OutputPerK); err != nil {
		return Pricing{}, false
	}
	return p, true
}

// JSONProvider loads a {"model": {"input_per_k": x, "output_per_k": y}}
// document.
type JSONProvider struct {
	table map[string]Pricing
}

func NewJSONProvider(data []byte) (*JSONProvider, error) {
	var table map[string]Pricing
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("price table: %w", err)
	}
	return &JSONProvider{table: table}, nil
}

func NewJSONProviderFromFile(path string) (*JSONProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("price table: %w", err)
	}
	return NewJSONProvider(data)
}

func (p *JSONProvider) Price(model string) (Pricing, bool) {
	pr, ok := p.table[model]
	return pr, ok
}

// APIProvider fetches the same JSON document over HTTP and caches it for
// the TTL. Fetch failures make the provider abstain so the chain falls
// through.
type APIProvider struct {
	URL    string
	Client *http.Client
	TTL    time.Duration

	cached   map[string]Pricing
	fetched  time.Time
	lastFail time.Time
}

func (a *APIProvider) Price(model string) (Pricing, bool) {
	if a.URL == "" {
		return Pricing{}, false
	}
	if a.cached == nil || time.Since(a.fetched) > a.ttl() {
		if !a.refresh() {
			if a.cached == nil {
				return Pricing{}, false
			}
		}
	}
	p, ok := a.cached[model]
	return p, ok
}

func (a *APIProvider) ttl() time.Duration {
	if a.TTL > 0 {
		return a.TTL
	}
	return 15 * time.Minute
}

func (a *APIProvider) refresh() bool {
	// Back off for one TTL after a failed fetch.
	if !a.lastFail.IsZero() && time.Since(a.lastFail) < a.ttl() {
		return false
	}
	client := a.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		a.lastFail = time.Now()
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		a.lastFail = time.Now()
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.lastFail = time.Now()
		return false
	}
	var table map[string]Pricing
	if err := json.NewDecoder(resp.Body).Decode(&table); err != nil {
		a.lastFail = time.Now()
		return false
	}
	a.cached = table
	a.fetched = time.Now()
	a.lastFail = time.Time{}
	return true
}
