// Package embed is the embedding provider client: text in, fixed-length
// vector out. Provider calls are length-limited, rate-limited and guarded by
// a circuit breaker; a provider without credentials reports unavailable and
// never touches the network.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/folio-press/folio/engine/domain"
	"github.com/folio-press/folio/pkg/metrics"
	"github.com/folio-press/folio/pkg/resilience"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultMaxChars bounds the text submitted to a provider.
const DefaultMaxChars = 8000

// Provider is a single embedding backend.
type Provider interface {
	Name() string
	// Configured reports whether the provider has the credentials and
	// settings it needs to make requests.
	Configured() bool
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config selects and configures a provider.
type Config struct {
	Provider  string        `yaml:"provider"` // openai | ollama | hash | none
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	MaxChars  int           `yaml:"max_chars"`
	Timeout   time.Duration `yaml:"timeout"`
	RPS       float64       `yaml:"rps"`
}

// Options tunes a Client.
type Options struct {
	// Dimension, when set, is enforced on every returned vector.
	Dimension int
	MaxChars  int
	Timeout   time.Duration
	// RPS limits requests per second; zero disables limiting.
	RPS     float64
	Breaker resilience.BreakerOpts
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Client is the embedding provider client shared by the synchronizer and
// the query service.
type Client struct {
	p        Provider
	dims     int
	maxChars int
	timeout  time.Duration
	lim      *resilience.Limiter
	br       *resilience.Breaker
	met      *metrics.Metrics
	log      *slog.Logger
}

// NewClient wraps a provider.
func NewClient(p Provider, opts Options) *Client {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	bo := opts.Breaker
	if bo.Name == "" {
		bo.Name = "embed." + p.Name()
	}
	if bo.OnStateChange == nil {
		log := opts.Logger
		bo.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("embed: breaker state change", "breaker", name, "from", from, "to", to)
		}
	}
	return &Client{
		p:        p,
		dims:     opts.Dimension,
		maxChars: opts.MaxChars,
		timeout:  opts.Timeout,
		lim:      resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RPS, Burst: max(1, int(opts.RPS))}),
		br:       resilience.NewBreaker(bo),
		met:      opts.Metrics,
		log:      opts.Logger,
	}
}

// New builds a Client from configuration. An unknown provider is an error;
// a known provider lacking credentials yields an unavailable Client.
func New(cfg Config, m *metrics.Metrics, log *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	var p Provider
	switch cfg.Provider {
	case "openai":
		p = NewOpenAI(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimension, httpClient)
	case "ollama":
		p = NewOllama(cfg.BaseURL, cfg.Model, httpClient)
	case "hash":
		dims := cfg.Dimension
		if dims <= 0 {
			dims = DefaultHashDimension
		}
		p = NewHash(dims)
	case "", "none":
		p = Disabled{}
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}

	return NewClient(p, Options{
		Dimension: cfg.Dimension,
		MaxChars:  cfg.MaxChars,
		Timeout:   cfg.Timeout,
		RPS:       cfg.RPS,
		Metrics:   m,
		Logger:    log,
	}), nil
}

// Name returns the provider name.
func (c *Client) Name() string { return c.p.Name() }

// Dimension returns the enforced vector length, or zero if unknown.
func (c *Client) Dimension() int { return c.dims }

// Available reports whether the provider is configured.
func (c *Client) Available() bool { return c.p.Configured() }

// Embed returns the embedding of text, truncated to the configured maximum.
// It fails with ErrEmbeddingUnavailable without any network call when the
// provider is not configured, and with ErrEmbeddingRequestFailed otherwise.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	const op = "embed"
	if !c.Available() {
		return nil, domain.NewError(domain.ErrEmbeddingUnavailable, op, nil)
	}
	text = Truncate(text, c.maxChars)

	if err := c.lim.Wait(ctx); err != nil {
		return nil, domain.NewError(domain.ErrEmbeddingRequestFailed, op, err)
	}

	start := time.Now()
	var vec []float32
	err := c.br.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		var err error
		vec, err = c.p.Embed(ctx, text)
		return err
	})
	metrics.Since(c.met.EmbedDuration.WithLabelValues(c.p.Name()), start)
	if err != nil {
		c.met.EmbedErrors.WithLabelValues(c.p.Name()).Inc()
		if errors.Is(err, resilience.ErrCircuitOpen) {
			c.log.Warn("embed: provider circuit open", "provider", c.p.Name())
		}
		return nil, domain.NewError(domain.ErrEmbeddingRequestFailed, op, err)
	}
	if len(vec) == 0 {
		return nil, domain.NewError(domain.ErrEmbeddingRequestFailed, op, errors.New("empty embedding"))
	}
	if c.dims > 0 && len(vec) != c.dims {
		return nil, domain.NewError(domain.ErrEmbeddingRequestFailed, op,
			fmt.Errorf("provider returned %d dimensions, want %d", len(vec), c.dims))
	}
	return vec, nil
}

// Truncate shortens s to at most maxChars runes without splitting a
// multi-byte character.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}

// Disabled is the provider used when no embedding backend is configured.
type Disabled struct{}

func (Disabled) Name() string     { return "none" }
func (Disabled) Configured() bool { return false }
func (Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, domain.ErrEmbeddingUnavailable
}
