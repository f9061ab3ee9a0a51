package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator performs field-level checks beyond Config.Validate.
type Validator struct {
	// KnownTools, when set, restricts agent tool lists to these names.
	KnownTools []string
}

// NewValidator creates a new validator
func NewValidator(knownTools ...string) *Validator {
	return &Validator{KnownTools: knownTools}
}

func oneOf(value string, valid ...string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidateProviderType validates a backend type.
func (v *Validator) ValidateProviderType(providerType string) error {
	if !oneOf(strings.ToLower(providerType), "openai", "anthropic") {
		return fmt.Errorf("invalid provider type: %s (must be one of: openai, anthropic)", providerType)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens < 0 {
		return fmt.Errorf("max tokens cannot be negative, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateResponseFormat accepts the empty (text) and json formats.
func (v *Validator) ValidateResponseFormat(format string) error {
	if !oneOf(format, "", "text", "json") {
		return fmt.Errorf("invalid response format: %s (must be text or json)", format)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !oneOf(level, validLevels...) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
	}
	return nil
}

// ValidateStoreDriver validates the conversation store backend.
func (v *Validator) ValidateStoreDriver(driver string) error {
	if !oneOf(driver, "", "memory", "sqlite", "redis") {
		return fmt.Errorf("invalid store driver: %s (must be one of: memory, sqlite, redis)", driver)
	}
	return nil
}

// ValidateSchedule validates a cron spec; empty disables the job.
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error, format string, args ...any) {
		if err != nil {
			if format != "" {
				err = fmt.Errorf(format+": %w", append(args, err)...)
			}
			errs = append(errs, err)
		}
	}

	providerTypes := make(map[string]string, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providerTypes[p.Name] = strings.ToLower(p.Type)
		add(v.ValidateProviderType(p.Type), "provider %s", p.Name)
		if p.Timeout < 0 {
			errs = append(errs, fmt.Errorf("provider %s: timeout cannot be negative", p.Name))
		}
	}

	for _, a := range cfg.Agents {
		add(v.ValidateTemperature(a.Temperature), "agent %s", a.Role)
		add(v.ValidateMaxTokens(a.MaxTokens), "agent %s", a.Role)
		add(v.ValidateResponseFormat(a.ResponseFormat), "agent %s", a.Role)
		if a.MaxToolCalls < 0 {
			errs = append(errs, fmt.Errorf("agent %s: max tool calls cannot be negative", a.Role))
		}
		if len(a.Tools) > 0 && providerTypes[a.Provider] == "anthropic" {
			errs = append(errs, fmt.Errorf("agent %s: instruction-style provider %s cannot call tools", a.Role, a.Provider))
		}
		if len(v.KnownTools) > 0 {
			for _, tool := range a.Tools {
				if !oneOf(tool, v.KnownTools...) {
					errs = append(errs, fmt.Errorf("agent %s: unknown tool %s", a.Role, tool))
				}
			}
		}
	}

	if cfg.Server.RouterRole != "" {
		if _, ok := cfg.Agent(cfg.Server.RouterRole); !ok {
			errs = append(errs, fmt.Errorf("server router role %q is not in the agent catalog", cfg.Server.RouterRole))
		}
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", cfg.Server.Port))
	}

	add(v.ValidateStoreDriver(cfg.Store.Driver), "")
	add(v.ValidateSchedule(cfg.Store.PurgeSchedule), "store")
	if cfg.Store.TTL <= 0 {
		errs = append(errs, fmt.Errorf("store ttl must be positive"))
	}
	if cfg.Session.MaxAgents < 0 {
		errs = append(errs, fmt.Errorf("session max_agents cannot be negative"))
	}

	if cfg.VectorIndex.Enabled {
		if t, ok := providerTypes[cfg.VectorIndex.EmbeddingProvider]; !ok || t != "openai" {
			errs = append(errs, fmt.Errorf("vector index: embedding provider %q must name an openai provider", cfg.VectorIndex.EmbeddingProvider))
		}
		if cfg.VectorIndex.Dimension <= 0 {
			errs = append(errs, fmt.Errorf("vector index: dimension must be positive"))
		}
		add(v.ValidateSchedule(cfg.VectorIndex.ResyncSchedule), "vector index")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing sample ratio must be within [0, 1]"))
	}
	add(v.ValidateLogLevel(cfg.Logging.Level), "")

	return errs
}
