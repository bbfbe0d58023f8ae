package llm

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dbrheo/dbrheo/pkg/config"
)

// Provider identifies a backing API family.
type Provider string

const (
	ProviderGemini    Provider = "gemini"
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// ProviderForModel picks a provider from the model name prefix. Unknown
// names fall through to Gemini, which is the default backend.
func ProviderForModel(model string) (Provider, bool) {
	name := strings.ToLower(model)
	switch {
	case strings.HasPrefix(name, "gemini"):
		return ProviderGemini, true
	case strings.HasPrefix(name, "claude"),
		strings.HasPrefix(name, "sonnet"),
		strings.HasPrefix(name, "opus"),
		strings.HasPrefix(name, "haiku"):
		return ProviderAnthropic, true
	case strings.HasPrefix(name, "gpt"),
		strings.HasPrefix(name, "o3"),
		strings.HasPrefix(name, "o4"):
		return ProviderOpenAI, true
	default:
		return ProviderGemini, false
	}
}

// Factory builds Services from the resolved configuration, resolving
// credentials per provider.
type Factory struct {
	config *config.Config
	logger *slog.Logger
	warn   func(msg string)
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{config: cfg, logger: logger}
}

// OnWarning registers a host callback for non-fatal service selection
// warnings, such as an unrecognized model prefix falling back to
// Gemini. Returns the factory for chaining.
func (f *Factory) OnWarning(fn func(msg string)) *Factory {
	f.warn = fn
	return f
}

// ForModel returns a Service for the given model name, or for the
// configured default model when name is empty.
func (f *Factory) ForModel(model string) (Service, error) {
	if model == "" {
		model = f.config.Model()
	}
	provider, known := ProviderForModel(model)
	if !known {
		f.logger.Warn("unrecognized model name, defaulting to Gemini",
			"model", model)
		if f.warn != nil {
			f.warn(fmt.Sprintf("unrecognized model %q, defaulting to Gemini", model))
		}
	}

	svcCfg := &ServiceConfig{
		Model:       model,
		APIKey:      f.apiKey(provider),
		Host:        f.host(provider),
		Temperature: f.config.GetFloat("llm.temperature", 1.0),
		MaxTokens:   f.config.GetInt("llm.max_tokens", 4096),
		Timeout:     f.config.GetDuration("llm.timeout", 0),
		MaxRetries:  f.config.GetInt("llm.max_retries", 0),
		RetryDelay:  f.config.GetDuration("llm.retry_delay", 0),
	}

	switch provider {
	case ProviderAnthropic:
		return NewAnthropicService(svcCfg)
	case ProviderOpenAI:
		return NewOpenAIService(svcCfg)
	default:
		return NewGeminiService(svcCfg)
	}
}

func (f *Factory) apiKey(provider Provider) string {
	var key string
	switch provider {
	case ProviderAnthropic:
		key = f.config.GetString("credentials.anthropic_api_key", "")
	case ProviderOpenAI:
		key = f.config.GetString("credentials.openai_api_key", "")
	default:
		key = f.config.GetString("credentials.google_api_key", "")
	}
	if key == "" {
		key = config.ProviderAPIKey(string(provider))
	}
	return key
}

func (f *Factory) host(provider Provider) string {
	switch provider {
	case ProviderAnthropic:
		return f.config.GetString("credentials.anthropic_api_base", "")
	case ProviderOpenAI:
		return f.config.GetString("credentials.openai_api_base", "")
	default:
		return f.config.GetString("credentials.google_api_base", "")
	}
}
