package main

import (
	"fmt"
	"os"

	"pd-anonymizer/internal/config"
	"pd-anonymizer/internal/detect"
	"pd-anonymizer/internal/engine"
	"pd-anonymizer/internal/logger"
	"pd-anonymizer/internal/metrics"
	"pd-anonymizer/internal/vault"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     *config.Config
	engine  *engine.Engine
	vault   *vault.Vault
	metrics *metrics.Metrics
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	registry, err := buildRegistry(cfg.Sources)
	if err != nil {
		return nil, err
	}
	store, err := vault.Open(cfg.Vault.Backend, cfg.Vault.Path, a.logFor("vault"))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	a.vault = vault.New(store)
	a.engine = engine.New(registry, a.vault, engine.Options{
		DefaultSelector: cfg.DefaultSelector,
		Metrics:         a.metrics,
		Logger:          a.logFor("engine"),
	})
	return a, nil
}

// defaults returns the per-call settings configured for this deployment.
func (a *app) defaults() engine.Request {
	return engine.Request{
		Language:              a.cfg.Language,
		Selector:              a.cfg.DefaultSelector,
		ReusableTags:          a.cfg.ReusableTags,
		AllowReidentification: a.cfg.AllowReidentification,
		Entities:              a.cfg.Entities,
	}
}

func (a *app) logFor(module string) *logger.Logger {
	return logger.New(module, a.cfg.LogLevel)
}

func (a *app) Close() error {
	return a.vault.Close()
}

// buildRegistry instantiates each configured source in order.
func buildRegistry(sources []config.SourceConfig) (*detect.Registry, error) {
	reg, err := detect.NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, sc := range sources {
		src, err := buildSource(sc)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(src); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildSource(sc config.SourceConfig) (detect.Source, error) {
	src, err := newSource(sc)
	if err != nil || sc.CacheSize <= 0 {
		return src, err
	}
	return detect.NewCachedSource(src, sc.CacheSize), nil
}

func newSource(sc config.SourceConfig) (detect.Source, error) {
	switch sc.Type {
	case config.SourceRegex:
		return detect.NewRegexSource(sc.Name), nil
	case config.SourceDictionary:
		return detect.NewDictionarySource(sc.Name, sc.Terms), nil
	case config.SourceNER:
		return detect.NewNERSource(sc.Name, sc.URL, sc.Timeout), nil
	case config.SourceOllama:
		return detect.NewOllamaSource(sc.Name, sc.URL, sc.Model, sc.Threshold, sc.Timeout), nil
	default:
		return nil, fmt.Errorf("%w: source %q has unknown type %q", detect.ErrConfiguration, sc.Name, sc.Type)
	}
}

func printBanner(cfg *config.Config) {
	upstreamProxy := os.Getenv("HTTPS_PROXY")
	if upstreamProxy == "" {
		upstreamProxy = os.Getenv("HTTP_PROXY")
	}
	if upstreamProxy == "" {
		upstreamProxy = "(direct, set HTTP_PROXY or HTTPS_PROXY to chain upstream)"
	}
	relayURL := cfg.Relay.URL
	if relayURL == "" {
		relayURL = "(disabled, set UPSTREAM_URL to enable /chat)"
	}
	auth := "off"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}

	names := make([]string, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		names = append(names, s.Name+"("+s.Type+")")
	}

	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          PD Anonymizer  (Go)                         ║
╚══════════════════════════════════════════════════════╝
  Listen          : %s
  Auth            : %s
  Vault           : %s %s
  Sources         : %v
  Default select  : %s
  Relay upstream  : %s
  Upstream proxy  : %s

  Try it:
    curl -s http://%s/anonymize -d '{"text":"Alice Smith works at Acme Corp."}'

  Check status:
    curl http://%s/status
`, cfg.Listen, auth,
		cfg.Vault.Backend, cfg.Vault.Path,
		names, cfg.DefaultSelector,
		relayURL, upstreamProxy,
		cfg.Listen, cfg.Listen)
}
